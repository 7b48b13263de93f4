// Package cli renders job progress for terminal users.
package cli

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"mediagrabber/types"
)

const shortIDLen = 8

// monotonic remembers the highest percent shown per job, so a late or
// out-of-order state never moves the display backwards.
type monotonic struct {
	mu    sync.Mutex
	shown map[string]float64
}

func newMonotonic() *monotonic {
	return &monotonic{shown: make(map[string]float64)}
}

func (m *monotonic) next(state types.ProgressState) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := state.Percent
	if math.IsNaN(p) {
		p = 100
	} else if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	if prev, ok := m.shown[state.JobID]; ok && prev > p {
		p = prev
	}
	m.shown[state.JobID] = p
	return p
}

// LineRenderer prints one row per progress update
type LineRenderer struct {
	w       io.Writer
	percent *monotonic
	mu      sync.Mutex
}

func NewLineRenderer(w io.Writer) *LineRenderer {
	return &LineRenderer{w: w, percent: newMonotonic()}
}

// Render prints state and returns the percent that was displayed
func (r *LineRenderer) Render(state types.ProgressState) float64 {
	shown := r.percent.next(state)
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, FormatLine(state, shown))
	return shown
}

// OnProgress lets the renderer subscribe to the progress bus
func (r *LineRenderer) OnProgress(state types.ProgressState) {
	r.Render(state)
}

// FormatLine renders a single progress row using percent in place of the
// state's own value.
func FormatLine(state types.ProgressState, percent float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-11s %5.1f%%", shortID(state.JobID), state.Status, percent)

	if state.TotalBytes != nil {
		fmt.Fprintf(&b, "  %s/%s", humanize.Bytes(uint64(state.DownloadedBytes)), humanize.Bytes(uint64(*state.TotalBytes)))
	} else if state.DownloadedBytes > 0 {
		fmt.Fprintf(&b, "  %s", humanize.Bytes(uint64(state.DownloadedBytes)))
	}
	if state.Speed != nil && *state.Speed > 0 {
		fmt.Fprintf(&b, "  %s/s", humanize.Bytes(uint64(*state.Speed)))
	}
	if state.ETASeconds != nil && *state.ETASeconds >= 0 {
		fmt.Fprintf(&b, "  ETA %ds", *state.ETASeconds)
	}
	if state.Message != "" {
		fmt.Fprintf(&b, "  %s", state.Message)
	}
	if state.AttemptsRemaining != nil {
		fmt.Fprintf(&b, " (%d attempt(s) left)", *state.AttemptsRemaining)
	}
	if state.Remediation != "" && (state.Status == types.ProgressFailed || state.RetryAfterSeconds != nil) {
		fmt.Fprintf(&b, "  Hint: %s", state.Remediation)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// BarRenderer draws one progress bar per job, for interactive terminals
type BarRenderer struct {
	w       io.Writer
	percent *monotonic

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func NewBarRenderer(w io.Writer) *BarRenderer {
	return &BarRenderer{
		w:       w,
		percent: newMonotonic(),
		bars:    make(map[string]*progressbar.ProgressBar),
	}
}

func (r *BarRenderer) OnProgress(state types.ProgressState) {
	shown := r.percent.next(state)

	r.mu.Lock()
	defer r.mu.Unlock()
	bar, ok := r.bars[state.JobID]
	if !ok {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetDescription(shortID(state.JobID)),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.w) }),
		)
		r.bars[state.JobID] = bar
	}

	desc := fmt.Sprintf("[%s] %s", shortID(state.JobID), state.Status)
	if state.Message != "" {
		desc += " " + state.Message
	}
	bar.Describe(desc)
	_ = bar.Set(int(shown))

	if state.Status.IsTerminal() {
		if state.Status == types.ProgressFailed {
			_ = bar.Exit()
			fmt.Fprintln(r.w)
		} else {
			_ = bar.Finish()
		}
		delete(r.bars, state.JobID)
	}
}

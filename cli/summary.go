package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"mediagrabber/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Failed returns the jobs that did not complete
func Failed(jobs []types.DownloadJob) []types.DownloadJob {
	var failed []types.DownloadJob
	for _, j := range jobs {
		if j.Status != types.JobStatusCompleted {
			failed = append(failed, j)
		}
	}
	return failed
}

// Summary renders the final report of a download run
func Summary(jobs []types.DownloadJob) string {
	failed := Failed(jobs)
	lines := []string{
		titleStyle.Render(fmt.Sprintf("%d of %d download(s) completed", len(jobs)-len(failed), len(jobs))),
	}

	for _, j := range jobs {
		if j.Status != types.JobStatusCompleted {
			continue
		}
		name := j.Title
		if name == "" {
			name = j.FileName
		}
		lines = append(lines, okStyle.Render("OK ")+name+" "+
			mutedStyle.Render(fmt.Sprintf("(%s, %s)", humanize.Bytes(uint64(j.FileSize)), j.FilePath)))
	}

	for _, j := range failed {
		reason := string(j.Status)
		var hint string
		if j.Error != nil {
			reason = j.Error.Message
			hint = j.Error.Remediation
		}
		lines = append(lines, errorStyle.Render("FAIL ")+j.URL)
		lines = append(lines, "  "+reason)
		if hint != "" {
			lines = append(lines, mutedStyle.Render("  Hint: "+hint))
		}
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

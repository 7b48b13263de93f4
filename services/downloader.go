package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"mediagrabber/config"
	"mediagrabber/types"
)

const (
	defaultFetchBinary     = "yt-dlp"
	defaultTranscodeBinary = "ffmpeg"
	progressInterval       = 250 * time.Millisecond
	maxToolOutput          = 8192

	defaultCRF       = 22
	defaultAudioKbps = 160
)

var (
	rePct   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reOf    = regexp.MustCompile(`\bof\s+~?\s*([^\s]+)`)
	reSpeed = regexp.MustCompile(`\bat\s+([^\s]+)/s`)
	reETA   = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
)

// FetchRequest describes one media download
type FetchRequest struct {
	URL         string
	Format      types.Format
	OutputDir   string
	CookiesPath string
}

// FetchProgress is one parsed progress line from the fetch tool
type FetchProgress struct {
	Percent         float64
	DownloadedBytes int64
	TotalBytes      *int64
	Speed           *float64
	ETASeconds      *int
}

// Fetcher downloads media into req.OutputDir and returns the file path
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, onProgress func(FetchProgress)) (string, error)
}

// Transcoder converts input into output in the given format using profile's
// encoder settings
type Transcoder interface {
	Transcode(ctx context.Context, input, output string, format types.Format, profile config.TranscodeProfile) error
}

// YTDLPFetcher runs yt-dlp as a subprocess
type YTDLPFetcher struct {
	Binary string
	// ProgressInterval bounds how often progress callbacks fire
	ProgressInterval time.Duration
}

func NewYTDLPFetcher() *YTDLPFetcher {
	return &YTDLPFetcher{Binary: defaultFetchBinary, ProgressInterval: progressInterval}
}

// Fetch downloads req.URL. Video is merged into mp4; audio requests take the
// best audio stream as-is and leave the mp3 conversion to the transcoder.
func (f *YTDLPFetcher) Fetch(ctx context.Context, req FetchRequest, onProgress func(FetchProgress)) (string, error) {
	if strings.TrimSpace(req.URL) == "" {
		return "", fmt.Errorf("fetch: url is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return "", fmt.Errorf("fetch: output directory is required")
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--restrict-filenames",
		"-P", req.OutputDir,
		"-o", "%(title).200B_[%(id)s].%(ext)s",
	}
	switch req.Format {
	case types.FormatMP3:
		args = append(args, "-f", "ba/b")
	default:
		args = append(args, "-f", "bv*+ba/b", "--merge-output-format", "mp4")
	}
	if req.CookiesPath != "" {
		args = append(args, "--cookies", req.CookiesPath)
	}
	args = append(args, req.URL)

	interval := f.ProgressInterval
	if interval <= 0 {
		interval = progressInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	onLine := func(line string) {
		if onProgress == nil {
			return
		}
		p, ok := ParseFetchProgress(line)
		if !ok {
			return
		}
		if p.Percent < 100 && !limiter.Allow() {
			return
		}
		onProgress(p)
	}

	if err := runTool(ctx, f.binary(), args, onLine); err != nil {
		return "", err
	}
	return newestMediaFile(req.OutputDir)
}

func (f *YTDLPFetcher) binary() string {
	if f.Binary == "" {
		return defaultFetchBinary
	}
	return f.Binary
}

// ParseFetchProgress extracts progress from a yt-dlp "[download]" line
func ParseFetchProgress(line string) (FetchProgress, bool) {
	l := strings.TrimSpace(line)
	if !strings.HasPrefix(l, "[download]") {
		return FetchProgress{}, false
	}
	m := rePct.FindStringSubmatch(l)
	if len(m) < 2 {
		return FetchProgress{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return FetchProgress{}, false
	}
	p := FetchProgress{Percent: pct}

	if m := reOf.FindStringSubmatch(l); len(m) > 1 {
		if total, err := humanize.ParseBytes(m[1]); err == nil && total > 0 {
			p.TotalBytes = types.Int64(int64(total))
			p.DownloadedBytes = int64(float64(total) * pct / 100)
		}
	}
	if m := reSpeed.FindStringSubmatch(l); len(m) > 1 {
		if speed, err := humanize.ParseBytes(m[1]); err == nil {
			p.Speed = types.Float64(float64(speed))
		}
	}
	if m := reETA.FindStringSubmatch(l); len(m) > 1 {
		if eta, ok := parseClock(m[1]); ok {
			p.ETASeconds = types.Int(eta)
		}
	}
	return p, true
}

// parseClock turns "SS", "MM:SS" or "HH:MM:SS" into seconds
func parseClock(s string) (int, bool) {
	total := 0
	for _, part := range strings.Split(s, ":") {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

var mediaExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".webm": true, ".mov": true,
	".m4a": true, ".mp3": true, ".opus": true, ".ogg": true, ".aac": true,
}

func newestMediaFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read fetch output %s: %w", dir, err)
	}
	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !mediaExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("fetch produced no media file in %s", dir)
	}
	return newest, nil
}

// FFmpegTranscoder runs ffmpeg as a subprocess
type FFmpegTranscoder struct {
	Binary string
}

func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{Binary: defaultTranscodeBinary}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, input, output string, format types.Format, profile config.TranscodeProfile) error {
	args, err := transcodeArgs(input, output, format, profile)
	if err != nil {
		return err
	}

	binary := t.Binary
	if binary == "" {
		binary = defaultTranscodeBinary
	}
	return runTool(ctx, binary, args, nil)
}

// transcodeArgs builds the ffmpeg command line. Video is H.264 at 30fps,
// scaled down to the profile's height when taller.
func transcodeArgs(input, output string, format types.Format, profile config.TranscodeProfile) ([]string, error) {
	crf := profile.CRF
	if crf <= 0 {
		crf = defaultCRF
	}
	audio := profile.AudioKbps
	if audio <= 0 {
		audio = defaultAudioKbps
	}
	bitrate := strconv.Itoa(audio) + "k"

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input}
	switch format {
	case types.FormatMP3:
		args = append(args, "-vn", "-codec:a", "libmp3lame", "-b:a", bitrate)
	case types.FormatMP4:
		args = append(args, "-c:v", "libx264", "-preset", "fast", "-crf", strconv.Itoa(crf))
		if profile.MaxHeight > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:'min(%d,ih)'", profile.MaxHeight))
		}
		args = append(args, "-r", "30",
			"-c:a", "aac", "-b:a", bitrate, "-ac", "2",
			"-movflags", "+faststart")
	default:
		return nil, fmt.Errorf("transcode: unsupported format %q", format)
	}
	return append(args, output), nil
}

// Dependency is the lookup result for one external tool
type Dependency struct {
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
	Found bool   `json:"found"`
}

// CheckDependencies looks up each binary on PATH
func CheckDependencies(binaries ...string) []Dependency {
	if len(binaries) == 0 {
		binaries = []string{defaultFetchBinary, defaultTranscodeBinary}
	}
	deps := make([]Dependency, 0, len(binaries))
	for _, name := range binaries {
		dep := Dependency{Name: name}
		if path, err := exec.LookPath(name); err == nil {
			dep.Path = path
			dep.Found = true
		}
		deps = append(deps, dep)
	}
	return deps
}

// runTool runs a command, feeding each output line to onLine. Failures carry
// the tail of stderr so the error can be classified.
func runTool(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(r io.Reader, keep bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			if keep {
				mu.Lock()
				if errBuf.Len() < maxToolOutput {
					errBuf.WriteString(line)
					errBuf.WriteByte('\n')
				}
				mu.Unlock()
			}
			if onLine != nil {
				onLine(line)
			}
		}
	}

	wg.Add(2)
	go read(stdout, false)
	go read(stderr, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

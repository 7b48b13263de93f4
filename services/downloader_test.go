package services

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrabber/config"
	"mediagrabber/types"
)

func TestParseFetchProgress(t *testing.T) {
	p, ok := ParseFetchProgress("[download]  42.3% of ~ 10.50MiB at  1.20MiB/s ETA 00:05")
	require.True(t, ok)
	assert.Equal(t, 42.3, p.Percent)
	require.NotNil(t, p.TotalBytes)
	assert.Equal(t, int64(11010048), *p.TotalBytes)
	assert.InDelta(t, 11010048*0.423, float64(p.DownloadedBytes), 1)
	require.NotNil(t, p.Speed)
	assert.InDelta(t, 1.2*1024*1024, *p.Speed, 1)
	require.NotNil(t, p.ETASeconds)
	assert.Equal(t, 5, *p.ETASeconds)

	p, ok = ParseFetchProgress("[download] 100% of 5.00MiB in 00:03")
	require.True(t, ok)
	assert.Equal(t, 100.0, p.Percent)
	assert.Equal(t, int64(5*1024*1024), p.DownloadedBytes)
	assert.Nil(t, p.Speed)
	assert.Nil(t, p.ETASeconds)

	p, ok = ParseFetchProgress("[download]   7.0% of Unknown size at Unknown speed ETA Unknown")
	require.True(t, ok)
	assert.Equal(t, 7.0, p.Percent)
	assert.Nil(t, p.TotalBytes)

	for _, line := range []string{
		"[download] Destination: clip.mp4",
		"[info] 50% done",
		"",
	} {
		_, ok := ParseFetchProgress(line)
		assert.False(t, ok, line)
	}
}

func TestParseClock(t *testing.T) {
	tests := map[string]int{
		"05":       5,
		"01:05":    65,
		"01:02:03": 3723,
	}
	for in, want := range tests {
		got, ok := parseClock(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseClock("Unknown")
	assert.False(t, ok)
}

func TestNewestMediaFile(t *testing.T) {
	dir := t.TempDir()
	_, err := newestMediaFile(dir)
	assert.Error(t, err)

	old := filepath.Join(dir, "a.webm")
	require.NoError(t, os.WriteFile(old, nil, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.part"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.MP4"), nil, 0o644))

	got, err := newestMediaFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c.MP4"), got)
}

func TestSplitByNewlineOrCR(t *testing.T) {
	var lines []string
	onLine := func(l string) { lines = append(lines, l) }

	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	err := runTool(context.Background(), "sh", []string{"-c", `printf 'one\rtwo\n\nthree'`}, onLine)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestRunToolFailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	err := runTool(context.Background(), "sh", []string{"-c", "echo 'HTTP Error 429: Too Many Requests' >&2; exit 1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too Many Requests")
	assert.Equal(t, CategoryPlatformThrottle, ClassifyError(err))
}

func TestRunToolCancelled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runTool(ctx, "sh", []string{"-c", "sleep 5"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetcherMissingBinary(t *testing.T) {
	f := &YTDLPFetcher{Binary: "mediagrabber-no-such-tool"}
	_, err := f.Fetch(context.Background(), FetchRequest{URL: testVideoURL, OutputDir: t.TempDir()}, nil)
	require.Error(t, err)
	assert.Equal(t, CategoryMissingDependency, ClassifyError(err))

	_, err = f.Fetch(context.Background(), FetchRequest{OutputDir: t.TempDir()}, nil)
	assert.Error(t, err)
}

const fakeYTDLP = `#!/bin/sh
dir=""
while [ $# -gt 0 ]; do
  case "$1" in
    -P) dir="$2"; shift 2 ;;
    *) echo "arg $1"; shift ;;
  esac
done
echo "[download]  50.0% of 1.00KiB at 1.00KiB/s ETA 00:01"
echo "[download]  60.0% of 1.00KiB at 1.00KiB/s ETA 00:01"
echo "[download] 100% of 1.00KiB in 00:01"
printf 'data' > "$dir/Clip_[id1].mp4"
`

func TestFetcherRunsTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	bin := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte(fakeYTDLP), 0o755))

	out := t.TempDir()
	f := &YTDLPFetcher{Binary: bin, ProgressInterval: time.Hour}
	var got []float64
	path, err := f.Fetch(context.Background(), FetchRequest{
		URL:       testVideoURL,
		Format:    types.FormatMP4,
		OutputDir: out,
	}, func(p FetchProgress) { got = append(got, p.Percent) })

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "Clip_[id1].mp4"), path)
	// the limiter drops 60%; completion always gets through
	assert.Equal(t, []float64{50, 100}, got)
}

func TestTranscoderRejectsUnknownFormat(t *testing.T) {
	err := NewFFmpegTranscoder().Transcode(context.Background(), "in.webm", "out.ogg", types.Format("ogg"), config.TranscodeProfile{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported format"))
}

func TestTranscodeArgsFollowProfile(t *testing.T) {
	profile := config.TranscodeProfile{Name: config.FallbackProfileName, MaxHeight: 720, CRF: 28, AudioKbps: 128}

	args, err := transcodeArgs("in.mkv", "out.mp4", types.FormatMP4, profile)
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-crf 28")
	assert.Contains(t, joined, "scale=-2:'min(720,ih)'")
	assert.Contains(t, joined, "-b:a 128k")
	assert.Equal(t, "out.mp4", args[len(args)-1])

	args, err = transcodeArgs("in.webm", "out.mp3", types.FormatMP3, config.TranscodeProfile{})
	require.NoError(t, err)
	joined = strings.Join(args, " ")
	assert.Contains(t, joined, "-vn")
	assert.Contains(t, joined, "-b:a 160k")
	assert.NotContains(t, joined, "-crf")
}

func TestCheckDependencies(t *testing.T) {
	deps := CheckDependencies("mediagrabber-no-such-tool")
	require.Len(t, deps, 1)
	assert.False(t, deps[0].Found)
	assert.Empty(t, deps[0].Path)

	assert.Len(t, CheckDependencies(), 2)
}

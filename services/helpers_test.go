package services

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"mediagrabber/config"
	"mediagrabber/types"
)

// fakeTimer fires immediately and records every requested delay
type fakeTimer struct {
	mu     sync.Mutex
	c      chan time.Time
	delays []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (f *fakeTimer) Start(d time.Duration) {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	f.c <- time.Now()
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) C() <-chan time.Time { return f.c }

func (f *fakeTimer) Delays() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func instantRetries() RetryOption {
	return WithTimer(func() backoff.Timer { return newFakeTimer() })
}

// fakeClock is a settable Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fixedDisk(free uint64) DiskStater {
	return DiskStaterFunc(func(string) (DiskUsage, error) {
		return DiskUsage{Used: 1 << 30, Free: free}, nil
	})
}

// fakeFetcher writes a small media file after reporting progress. The first
// failures calls return failErr.
type fakeFetcher struct {
	failures int32
	failErr  error
	ext      string
	block    bool

	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, req FetchRequest, onProgress func(FetchProgress)) (string, error) {
	n := f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= f.failures {
		return "", f.failErr
	}
	total := int64(1000)
	for _, pct := range []float64{10, 50, 100} {
		onProgress(FetchProgress{
			Percent:         pct,
			DownloadedBytes: int64(pct * 10),
			TotalBytes:      types.Int64(total),
		})
	}
	ext := f.ext
	if ext == "" {
		ext = string(req.Format)
	}
	path := filepath.Join(req.OutputDir, "Test_Video_[abc123]."+ext)
	if err := os.WriteFile(path, []byte("media bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// fakeTranscoder copies input to output, or writes sizes[profile name] bytes
// when a size is set for the profile.
type fakeTranscoder struct {
	calls atomic.Int32
	err   error
	sizes map[string]int

	mu       sync.Mutex
	profiles []string
}

func (f *fakeTranscoder) Transcode(ctx context.Context, input, output string, format types.Format, profile config.TranscodeProfile) error {
	f.calls.Add(1)
	f.mu.Lock()
	f.profiles = append(f.profiles, profile.Name)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if n, ok := f.sizes[profile.Name]; ok {
		return os.WriteFile(output, bytes.Repeat([]byte("x"), n), 0o644)
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func (f *fakeTranscoder) Profiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.profiles...)
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		MaxTranscodeWorkers:  1,
		MaxDownloadWorkers:   2,
		ProgressTTL:          5 * time.Minute,
		OutputDir:            t.TempDir(),
		RetryMaxAttempts:     3,
		RetryBaseDelay:       time.Millisecond,
		RetryMaxDelay:        10 * time.Millisecond,
		MinFreeBytes:         1024,
		JobSizeEstimateBytes: 1024,
		CleanupInterval:      time.Hour,
		FileMaxAge:           24 * time.Hour,
	}
}

type testQueue struct {
	JobQueue
	bus    *ProgressBus
	store  *ProgressStore
	output *OutputManager
}

func newTestQueue(t *testing.T, fetcher Fetcher, transcoder Transcoder, disk DiskStater) *testQueue {
	t.Helper()
	return newTestQueueWith(t, testSettings(t), fetcher, transcoder, disk)
}

func newTestQueueWith(t *testing.T, settings *config.Settings, fetcher Fetcher, transcoder Transcoder, disk DiskStater) *testQueue {
	t.Helper()
	output, err := NewOutputManager(settings.OutputDir, WithDiskStater(disk))
	require.NoError(t, err)
	tq, err := NewTranscodeQueue(settings.MaxTranscodeWorkers)
	require.NoError(t, err)
	bus := NewProgressBus(settings.ProgressTTL)
	store := NewProgressStore(settings.ProgressTTL)

	jq, err := NewJobQueue(JobQueueDeps{
		Settings:     settings,
		Bus:          bus,
		Store:        store,
		Output:       output,
		Transcode:    tq,
		Fetcher:      fetcher,
		Transcoder:   transcoder,
		RetryOptions: []RetryOption{instantRetries()},
	})
	require.NoError(t, err)
	return &testQueue{JobQueue: jq, bus: bus, store: store, output: output}
}

func waitJob(t *testing.T, jq JobQueue, id string) types.DownloadJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := jq.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

var errThrottled = errors.New("HTTP Error 429: Too Many Requests")

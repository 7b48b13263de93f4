package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"mediagrabber/config"
	"mediagrabber/services"
	"mediagrabber/types"
	mgws "mediagrabber/websocket"
)

// immediateTimer fires as soon as it is started
type immediateTimer struct {
	c chan time.Time
}

func (t *immediateTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *immediateTimer) Stop()               {}
func (t *immediateTimer) C() <-chan time.Time { return t.c }

// stubFetcher writes a media file after reporting progress. With a gate it
// waits for the gate to close before doing anything.
type stubFetcher struct {
	gate  chan struct{}
	err   error
	calls atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, req services.FetchRequest, onProgress func(services.FetchProgress)) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	for _, pct := range []float64{25, 75, 100} {
		onProgress(services.FetchProgress{Percent: pct, DownloadedBytes: int64(pct), TotalBytes: types.Int64(100)})
	}
	ext := "mp4"
	if req.Format == types.FormatMP3 {
		ext = "webm"
	}
	path := filepath.Join(req.OutputDir, "Test_Video_[abc123]."+ext)
	return path, os.WriteFile(path, []byte("fake media content"), 0o644)
}

type stubTranscoder struct{}

func (stubTranscoder) Transcode(_ context.Context, input, output string, _ types.Format, _ config.TranscodeProfile) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func plentyOfDisk() services.DiskStater {
	return services.DiskStaterFunc(func(string) (services.DiskUsage, error) {
		return services.DiskUsage{Used: 1 << 30, Free: 1 << 40}, nil
	})
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
		Port:                 0,
		CORSOrigins:          []string{"*"},
		Transcode: config.TranscodeProfiles{
			Primary:  config.TranscodeProfile{Name: config.PrimaryProfileName, MaxHeight: 1080, CRF: 22, AudioKbps: 160},
			Fallback: config.TranscodeProfile{Name: config.FallbackProfileName, MaxHeight: 720, CRF: 28, AudioKbps: 128},
		},
	}
}

func testAppOptions(fetcher services.Fetcher) appOptions {
	return appOptions{
		fetcher:    fetcher,
		transcoder: stubTranscoder{},
		disk:       plentyOfDisk(),
		retryOptions: []services.RetryOption{
			services.WithTimer(func() backoff.Timer { return &immediateTimer{c: make(chan time.Time, 1)} }),
		},
	}
}

// TestHelper runs the full router against fake external tools
type TestHelper struct {
	Server  *httptest.Server
	App     *app
	Fetcher *stubFetcher
	Hub     mgws.Hub

	cancel context.CancelFunc
}

// NewTestHelper starts a server whose fetcher is f, or a default stub
func NewTestHelper(t *testing.T, f *stubFetcher) *TestHelper {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if f == nil {
		f = &stubFetcher{}
	}

	a, err := newApp(testSettings(t), testAppOptions(f))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	hub := mgws.NewHub(a.bus.Latest)
	go hub.Run(ctx)
	a.bus.Subscribe(hub)
	a.start(ctx, false)

	h := &TestHelper{
		Server:  httptest.NewServer(newRouter(a, hub)),
		App:     a,
		Fetcher: f,
		Hub:     hub,
		cancel:  cancel,
	}
	t.Cleanup(h.Cleanup)
	return h
}

// Cleanup stops the server and the workers
func (h *TestHelper) Cleanup() {
	h.Server.Close()
	h.cancel()
	h.App.stop()
}

// MakeRequest makes an HTTP request to the test server
func (h *TestHelper) MakeRequest(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// DoJSON makes a request and unmarshals the JSON response into target
func (h *TestHelper) DoJSON(t *testing.T, method, path string, body, target any) *http.Response {
	t.Helper()
	resp := h.MakeRequest(t, method, path, body)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if target != nil {
		require.NoError(t, json.Unmarshal(data, target), string(data))
	}
	return resp
}

func (h *TestHelper) GetJSON(t *testing.T, path string, target any) *http.Response {
	t.Helper()
	return h.DoJSON(t, http.MethodGet, path, nil, target)
}

func (h *TestHelper) PostJSON(t *testing.T, path string, body, target any) *http.Response {
	t.Helper()
	return h.DoJSON(t, http.MethodPost, path, body, target)
}

// Submit queues a download and returns the created job
func (h *TestHelper) Submit(t *testing.T, url, format string) types.DownloadJob {
	t.Helper()
	var job types.DownloadJob
	resp := h.PostJSON(t, "/api/downloads", types.DownloadRequest{URL: url, Format: format}, &job)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, job.ID)
	return job
}

// WaitForJobCompletion blocks until the job finishes and every final state
// is published, then fetches it through the API
func (h *TestHelper) WaitForJobCompletion(t *testing.T, jobID string, timeout time.Duration) types.DownloadJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := h.App.jobs.Wait(ctx, jobID)
	require.NoError(t, err, "job %s did not finish within %v", jobID, timeout)

	var job types.DownloadJob
	resp := h.GetJSON(t, "/api/downloads/"+jobID, &job)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return job
}

// ConnectWebSocket dials a websocket endpoint of the test server
func (h *TestHelper) ConnectWebSocket(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.Server.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// ReadUntil reads progress messages until one satisfies stop, returning all
// messages seen
func ReadUntil(t *testing.T, conn *websocket.Conn, stop func(types.ProgressMessage) bool) []types.ProgressMessage {
	t.Helper()
	var msgs []types.ProgressMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg types.ProgressMessage
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if stop(msg) {
			return msgs
		}
	}
}

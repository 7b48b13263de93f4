package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrabber/types"
)

// serveHub upgrades every request and follows the job named by ?job=
func serveHub(t *testing.T, h Hub) *httptest.Server {
	t.Helper()
	upgrader := NewUpgrader([]string{"*"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(h, conn, r.URL.Query().Get("job"))
		h.RegisterClient(client)
		client.StartPumps()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, job string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job=" + job
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) types.ProgressMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg types.ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubRoutesByJob(t *testing.T) {
	h := NewHub(nil)
	go h.Run(t.Context())
	srv := serveHub(t, h)

	jobConn := dial(t, srv, "job-a")
	allConn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.OnProgress(types.NewProgressState("job-b", types.ProgressDownloading, "downloading", 10))
	h.OnProgress(types.NewProgressState("job-a", types.ProgressCompleted, "completed", 100))

	msg := readMessage(t, jobConn)
	assert.Equal(t, "job-a", msg.JobID)
	assert.Equal(t, types.MessageComplete, msg.Type)

	assert.Equal(t, "job-b", readMessage(t, allConn).JobID)
	assert.Equal(t, "job-a", readMessage(t, allConn).JobID)
}

func TestHubSendsLatestOnRegister(t *testing.T) {
	latest := func(jobID string) (types.ProgressState, bool) {
		if jobID != "job-a" {
			return types.ProgressState{}, false
		}
		return types.NewProgressState("job-a", types.ProgressTranscoding, "transcoding", 88), true
	}
	h := NewHub(latest)
	go h.Run(t.Context())
	srv := serveHub(t, h)

	msg := readMessage(t, dial(t, srv, "job-a"))
	assert.Equal(t, types.ProgressTranscoding, msg.Status)
	assert.Equal(t, 88.0, msg.Percent)
}

func TestHubUnregistersClosedClients(t *testing.T) {
	h := NewHub(nil)
	go h.Run(t.Context())
	srv := serveHub(t, h)

	conn := dial(t, srv, "job-a")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubStopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)
	srv := serveHub(t, h)

	conn := dial(t, srv, "job-a")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	// registering after shutdown does not block
	client := &Client{hub: h, send: make(chan types.ProgressMessage, 1), jobID: "late"}
	h.RegisterClient(client)
	_, open := <-client.send
	assert.False(t, open)
}

func TestUpgraderOrigins(t *testing.T) {
	u := NewUpgrader([]string{"http://ok.example"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, u.CheckOrigin(req))

	req.Header.Set("Origin", "http://ok.example")
	assert.True(t, u.CheckOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, u.CheckOrigin(req))

	assert.True(t, NewUpgrader([]string{"*"}).CheckOrigin(req))
}

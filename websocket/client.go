package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mediagrabber/types"
)

// NewUpgrader accepts connections whose Origin is listed, or any origin when
// the list contains "*". Requests without an Origin header are accepted.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

// Client represents a WebSocket client connection
type Client struct {
	hub   Hub
	conn  *websocket.Conn
	send  chan types.ProgressMessage
	jobID string

	// shown is the highest percent written per job; only the write pump
	// touches it
	shown map[string]float64
}

// NewClient creates a client following jobID, or every job for AllJobs
func NewClient(hub Hub, conn *websocket.Conn, jobID string) *Client {
	if jobID == "" {
		jobID = AllJobs
	}
	return &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan types.ProgressMessage, sendBuffer),
		jobID: jobID,
		shown: make(map[string]float64),
	}
}

// accept reports whether msg should be written. A progress update below what
// the client already saw for that job is stale, typically a broadcast that
// raced the state replayed on connect. Terminal messages always go out.
func (c *Client) accept(msg types.ProgressMessage) bool {
	prev, seen := c.shown[msg.JobID]
	if seen && msg.Type == types.MessageProgress && msg.Percent < prev {
		return false
	}
	if !seen || msg.Percent > prev {
		c.shown[msg.JobID] = msg.Percent
	}
	return true
}

// finished reports whether the stream is over after msg: a client following
// a single job is done once that job reaches a terminal state.
func (c *Client) finished(msg types.ProgressMessage) bool {
	return c.jobID != AllJobs && msg.JobID == c.jobID && msg.Status.IsTerminal()
}

// StartPumps starts the read and write pumps for the client
func (c *Client) StartPumps() {
	go c.writePump()
	go c.readPump()
}

// readPump only watches for close and pong frames; clients send nothing
func (c *Client) readPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("read error for job %s: %v", c.jobID, err)
			}
			return
		}
	}
}

// writePump handles writing to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.accept(message) {
				log.Debugf("skipping stale update for job %s at %.1f%%", message.JobID, message.Percent)
				continue
			}
			if err := c.conn.WriteJSON(message); err != nil {
				log.Warnf("write error for job %s: %v", c.jobID, err)
				return
			}
			if c.finished(message) {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job "+string(message.Status)))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

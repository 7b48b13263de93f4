package websocket

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"mediagrabber/types"
)

var log = logging.Logger("websocket")

// LatestFunc looks up the cached state of a job
type LatestFunc func(jobID string) (types.ProgressState, bool)

// Hub interface defines the methods for managing WebSocket connections
type Hub interface {
	Run(ctx context.Context)
	// OnProgress queues a state for broadcast. It never blocks, so the hub
	// can be subscribed directly to the progress bus.
	OnProgress(state types.ProgressState)
	RegisterClient(client *Client)
	UnregisterClient(client *Client)
	ClientCount() int
}

// hub maintains the set of active clients and broadcasts messages to them
type hub struct {
	latest LatestFunc

	// Registered clients mapped by job ID, or AllJobs
	clients map[string]map[*Client]bool

	broadcast  chan types.ProgressState
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub. latest, when set, supplies the
// current state sent to a client as soon as it registers.
func NewHub(latest LatestFunc) Hub {
	return &hub{
		latest:     latest,
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan types.ProgressState, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop
func (h *hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.jobID] == nil {
				h.clients[client.jobID] = make(map[*Client]bool)
			}
			h.clients[client.jobID][client] = true
			h.mu.Unlock()
			log.Debugf("client connected for job %s", client.jobID)

			if h.latest != nil && client.jobID != AllJobs {
				if state, ok := h.latest(client.jobID); ok {
					h.deliver(client.jobID, state)
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			log.Debugf("client disconnected for job %s", client.jobID)

		case state := <-h.broadcast:
			h.deliver(state.JobID, state)
			h.deliver(AllJobs, state)
		}
	}
}

// deliver sends to every client of key, dropping clients that fall behind
func (h *hub) deliver(key string, state types.ProgressState) {
	msg := types.NewProgressMessage(state)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[key] {
		select {
		case client.send <- msg:
		default:
			log.Warnf("client for job %s is too slow, dropping it", client.jobID)
			h.removeLocked(client)
		}
	}
}

func (h *hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.jobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.clients, client.jobID)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

func (h *hub) OnProgress(state types.ProgressState) {
	select {
	case h.broadcast <- state:
	default:
		log.Warnf("broadcast queue full, dropping update for job %s", state.JobID)
	}
}

// RegisterClient registers a new client with the hub
func (h *hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// UnregisterClient unregisters a client from the hub
func (h *hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

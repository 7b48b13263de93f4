package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"mediagrabber/services"
	"mediagrabber/types"
	"mediagrabber/websocket"
)

var log = logging.Logger("handlers")

const defaultHistoryLimit = 50

// DownloadHandler handles download management endpoints
type DownloadHandler struct {
	jobQueue services.JobQueue
	bus      *services.ProgressBus
	store    *services.ProgressStore
	hub      websocket.Hub
	upgrader gorilla.Upgrader
}

// NewDownloadHandler creates a new download handler. store may be nil.
func NewDownloadHandler(jq services.JobQueue, bus *services.ProgressBus, store *services.ProgressStore, hub websocket.Hub, allowedOrigins []string) *DownloadHandler {
	return &DownloadHandler{
		jobQueue: jq,
		bus:      bus,
		store:    store,
		hub:      hub,
		upgrader: websocket.NewUpgrader(allowedOrigins),
	}
}

// SubmitDownload validates a request and queues a job
func (h *DownloadHandler) SubmitDownload(c *gin.Context) {
	var body types.DownloadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if strings.TrimSpace(body.Format) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "format is required"})
		return
	}

	var cookies []byte
	if body.CookiesBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(body.CookiesBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cookies format: " + err.Error()})
			return
		}
		cookies = decoded
	}

	req, _, err := services.NewJobRequest(body.URL, body.Format, cookies)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobQueue.AddJob(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, services.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetAllJobs returns all download jobs
func (h *DownloadHandler) GetAllJobs(c *gin.Context) {
	jobs := h.jobQueue.GetAllJobs()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob returns a specific download job by ID
func (h *DownloadHandler) GetJob(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob cancels a queued or running download job
func (h *DownloadHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	switch err := h.jobQueue.CancelJob(jobID); {
	case errors.Is(err, services.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job " + jobID + " not found"})
	case errors.Is(err, services.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
	}
}

// GetProgress returns the latest progress snapshot of a job
func (h *DownloadHandler) GetProgress(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}

	state, found := h.bus.Latest(job.ID)
	if !found && h.store != nil {
		state, found = h.store.GetLatest(job.ID)
	}
	if !found {
		state = stateFromJob(job)
	}
	if state.Remediation == "" && job.Error != nil {
		state.Remediation = job.Error.Remediation
	}

	resp := types.ProgressResponse{
		ProgressState: state,
		QueuePosition: h.jobQueue.QueuePosition(job.ID),
		Error:         job.Error,
	}
	if h.store != nil {
		resp.QueueDepth = h.store.GetQueueDepth()
	} else {
		resp.QueueDepth = h.jobQueue.Stats().QueuedJobs
	}
	c.JSON(http.StatusOK, resp)
}

// GetHistory returns the recorded progress timeline of a job
func (h *DownloadHandler) GetHistory(c *gin.Context) {
	job, ok := h.lookup(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	history := []types.ProgressState{}
	if h.store != nil {
		history = h.store.GetHistory(job.ID, limit)
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":   job.ID,
		"history": history,
		"total":   len(history),
	})
}

// HandleWebSocketConnection handles WebSocket connections for specific job progress
func (h *DownloadHandler) HandleWebSocketConnection(c *gin.Context) {
	if _, ok := h.lookup(c); !ok {
		return
	}
	h.serveWebSocket(c, c.Param("jobId"))
}

// HandleWebSocketAllConnection handles WebSocket connections for all job progress
func (h *DownloadHandler) HandleWebSocketAllConnection(c *gin.Context) {
	h.serveWebSocket(c, websocket.AllJobs)
}

func (h *DownloadHandler) serveWebSocket(c *gin.Context, jobID string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	client := websocket.NewClient(h.hub, conn, jobID)
	h.hub.RegisterClient(client)
	client.StartPumps()
}

func (h *DownloadHandler) lookup(c *gin.Context) (types.DownloadJob, bool) {
	jobID := c.Param("jobId")
	job, exists := h.jobQueue.GetJob(jobID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job " + jobID + " not found"})
		return types.DownloadJob{}, false
	}
	return job, true
}

// stateFromJob rebuilds a snapshot once the cached states have expired
func stateFromJob(job types.DownloadJob) types.ProgressState {
	status := types.ProgressQueued
	switch job.Status {
	case types.JobStatusDownloading:
		status = types.ProgressDownloading
	case types.JobStatusTranscoding:
		status = types.ProgressTranscoding
	case types.JobStatusPackaging:
		status = types.ProgressPackaging
	case types.JobStatusCompleted:
		status = types.ProgressCompleted
	case types.JobStatusFailed, types.JobStatusCancelled:
		status = types.ProgressFailed
	}
	state := types.NewProgressState(job.ID, status, job.Stage, job.Percent).WithMessage(job.Message)
	state.DownloadedBytes = job.FileSize
	return state
}

package handlers

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"mediagrabber/services"
)

// Version is reported by the health endpoints
var Version = "dev"

// HealthHandler handles health check endpoints
type HealthHandler struct {
	jobQueue services.JobQueue
	output   *services.OutputManager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(jq services.JobQueue, output *services.OutputManager) *HealthHandler {
	return &HealthHandler{jobQueue: jq, output: output}
}

// HealthCheck returns the health status of the service
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "mediagrabber",
		"version":   Version,
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus reports queue load, disk headroom and external tools
func (h *HealthHandler) APIStatus(c *gin.Context) {
	resp := gin.H{
		"message":      "MediaGrabber API is running",
		"outputDir":    h.output.Root(),
		"queue":        h.jobQueue.Stats(),
		"dependencies": services.CheckDependencies(),
	}
	if used, free, err := h.output.GetDiskUsage(); err != nil {
		resp["diskError"] = err.Error()
	} else {
		resp["disk"] = gin.H{
			"usedBytes": used,
			"freeBytes": free,
			"used":      humanize.Bytes(used),
			"free":      humanize.Bytes(free),
		}
	}
	c.JSON(http.StatusOK, resp)
}

package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"mediagrabber/services"
	"mediagrabber/types"
)

// FileHandler serves finished job artifacts
type FileHandler struct {
	jobQueue services.JobQueue
	output   *services.OutputManager
}

// NewFileHandler creates a new file handler
func NewFileHandler(jq services.JobQueue, output *services.OutputManager) *FileHandler {
	return &FileHandler{
		jobQueue: jq,
		output:   output,
	}
}

// DownloadFile sends a completed job's artifact as an attachment. Range
// requests are honored.
func (h *FileHandler) DownloadFile(c *gin.Context) {
	jobID := c.Param("jobId")
	job, exists := h.jobQueue.GetJob(jobID)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job " + jobID + " not found"})
		return
	}
	if job.Status != types.JobStatusCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Download not completed yet"})
		return
	}

	// Artifacts must live under the output root
	root, err := filepath.Abs(h.output.Root())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server configuration error"})
		return
	}
	path, err := filepath.Abs(job.FilePath)
	if err != nil || !strings.HasPrefix(path, root+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "path traversal not allowed"})
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		log.Warnf("[%s] artifact missing: %s", jobID, path)
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	c.Header("Content-Type", contentType(path))
	c.FileAttachment(path, filepath.Base(path))
}

// contentType returns the MIME type for an artifact
func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

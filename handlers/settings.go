package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mediagrabber/config"
)

// SettingsHandler exposes the effective configuration
type SettingsHandler struct {
	settings *config.Settings
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(settings *config.Settings) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

// GetSettings returns the settings the server was started with. Durations
// are reported in seconds.
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	s := h.settings
	c.JSON(http.StatusOK, gin.H{
		"maxTranscodeWorkers":  s.MaxTranscodeWorkers,
		"maxDownloadWorkers":   s.MaxDownloadWorkers,
		"progressTtlSeconds":   int(s.ProgressTTL.Seconds()),
		"outputDir":            s.OutputDir,
		"retryMaxAttempts":     s.RetryMaxAttempts,
		"retryBaseDelaySec":    s.RetryBaseDelay.Seconds(),
		"retryMaxDelaySec":     s.RetryMaxDelay.Seconds(),
		"minFreeBytes":         s.MinFreeBytes,
		"jobSizeEstimateBytes": s.JobSizeEstimateBytes,
		"cleanupIntervalSec":   int(s.CleanupInterval.Seconds()),
		"fileMaxAgeSec":        int(s.FileMaxAge.Seconds()),
		"transcodeProfiles":    s.Transcode,
	})
}

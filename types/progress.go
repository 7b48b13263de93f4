package types

import (
	"math"
	"time"
)

// ProgressStatus is the lifecycle phase reported in a progress snapshot
type ProgressStatus string

const (
	ProgressQueued      ProgressStatus = "queued"
	ProgressDownloading ProgressStatus = "downloading"
	ProgressTranscoding ProgressStatus = "transcoding"
	ProgressPackaging   ProgressStatus = "packaging"
	ProgressCompleted   ProgressStatus = "completed"
	ProgressFailed      ProgressStatus = "failed"
)

// IsTerminal reports whether no further updates are expected after this status
func (s ProgressStatus) IsTerminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// ProgressState is one snapshot of a job's progress. A new value is built for
// every emission; subscribers must not rely on it being mutated later.
type ProgressState struct {
	JobID             string         `json:"jobId"`
	Status            ProgressStatus `json:"status"`
	Stage             string         `json:"stage"`
	Percent           float64        `json:"percent"`
	Message           string         `json:"message"`
	DownloadedBytes   int64          `json:"downloadedBytes"`
	TotalBytes        *int64         `json:"totalBytes,omitempty"`
	Speed             *float64       `json:"speed,omitempty"` // bytes per second
	ETASeconds        *int           `json:"etaSeconds,omitempty"`
	RetryAfterSeconds *int           `json:"retryAfterSeconds,omitempty"`
	AttemptsRemaining *int           `json:"attemptsRemaining,omitempty"`
	Remediation       string         `json:"remediation,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// NewProgressState creates a snapshot stamped with the current time
func NewProgressState(jobID string, status ProgressStatus, stage string, percent float64) ProgressState {
	return ProgressState{
		JobID:     jobID,
		Status:    status,
		Stage:     stage,
		Percent:   percent,
		Timestamp: time.Now().UTC(),
	}
}

// ClampPercent forces Percent into [0, 100]. NaN reads as 100.
func (s *ProgressState) ClampPercent() {
	if math.IsNaN(s.Percent) {
		s.Percent = 100
	} else if s.Percent < 0 {
		s.Percent = 0
	} else if s.Percent > 100 {
		s.Percent = 100
	}
}

// WithMessage returns a copy of the state carrying message
func (s ProgressState) WithMessage(message string) ProgressState {
	s.Message = message
	return s
}

// Int returns a pointer to v, for the optional integer fields
func Int(v int) *int { return &v }

// Int64 returns a pointer to v
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

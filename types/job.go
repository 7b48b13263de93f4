package types

import (
	"net/url"
	"strings"
	"time"
)

// Platform identifies the site a media URL belongs to
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformX         Platform = "x"
	PlatformThreads   Platform = "threads"
)

// Format is the requested output container
type Format string

const (
	FormatMP4 Format = "mp4"
	FormatMP3 Format = "mp3"
)

// JobStatus represents the current status of a download job
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusQueued      JobStatus = "queued"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusTranscoding JobStatus = "transcoding"
	JobStatusPackaging   JobStatus = "packaging"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// IsFinished reports whether the job reached a terminal status
func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobError is the structured failure shared with CLI and REST surfaces
type JobError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

// DownloadJob represents a download job in the queue
type DownloadJob struct {
	ID          string     `json:"jobId"`
	URL         string     `json:"url"`
	Platform    Platform   `json:"platform"`
	Format      Format     `json:"format"`
	Status      JobStatus  `json:"status"`
	Stage       string     `json:"stage"`
	Title       string     `json:"title,omitempty"`
	Percent     float64    `json:"percent"`
	Message     string     `json:"message,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	FilePath    string     `json:"-"`
	FileName    string     `json:"fileName,omitempty"`
	FileSize    int64      `json:"fileSize,omitempty"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	RetryCount  int        `json:"retryCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DetectPlatform maps a media URL to its platform. The second result is
// false for malformed URLs and unsupported hosts.
func DetectPlatform(rawURL string) (Platform, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case hostMatches(host, "youtube.com"), hostMatches(host, "youtu.be"):
		return PlatformYouTube, true
	case hostMatches(host, "instagram.com"):
		return PlatformInstagram, true
	case hostMatches(host, "facebook.com"), hostMatches(host, "fb.watch"):
		return PlatformFacebook, true
	case hostMatches(host, "x.com"), hostMatches(host, "twitter.com"):
		return PlatformX, true
	case hostMatches(host, "threads.net"), hostMatches(host, "threads.com"):
		return PlatformThreads, true
	}
	return "", false
}

func hostMatches(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// ParseFormat validates a requested output format
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatMP4:
		return FormatMP4, true
	case FormatMP3:
		return FormatMP3, true
	}
	return "", false
}

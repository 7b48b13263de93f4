package types

// DownloadRequest is the body of POST /api/downloads
type DownloadRequest struct {
	URL    string `json:"url"`
	Format string `json:"format"`
	// CookiesBase64 is a Netscape cookies.txt file, passed to the fetch tool
	// unmodified
	CookiesBase64 string `json:"cookiesBase64,omitempty"`
}

// ProgressResponse is the body of GET /api/downloads/:jobId/progress
type ProgressResponse struct {
	ProgressState
	QueueDepth    int       `json:"queueDepth"`
	QueuePosition int       `json:"queuePosition"`
	Error         *JobError `json:"error,omitempty"`
}

// QueueStats summarizes current load across the job and transcode queues
type QueueStats struct {
	QueuedJobs       int `json:"queuedJobs"`
	ActiveJobs       int `json:"activeJobs"`
	TranscodeWaiting int `json:"transcodeWaiting"`
	TranscodeActive  int `json:"transcodeActive"`
	TranscodeWorkers int `json:"transcodeWorkers"`
	ProgressDepth    int `json:"progressDepth"`
}

package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"mediagrabber/config"
	"mediagrabber/types"
)

var log = logging.Logger("services")

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNotCancellable    = errors.New("job already finished")
	ErrQueueFull         = errors.New("job queue is full")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrUnsupportedURL    = errors.New("invalid URL or unsupported platform")
	ErrUnsupportedFormat = errors.New("invalid format; must be one of: mp4, mp3")
)

const (
	queueCapacity   = 100
	jobMetadataFile = "job.json"

	// Percent bands for each pipeline phase
	percentStart     = 5.0
	percentFetchEnd  = 85.0
	percentTranscode = 88.0
	percentFallback  = 91.0
	percentPackaging = 95.0
)

// JobRequest is a validated download submission
type JobRequest struct {
	URL     string
	Format  types.Format
	Cookies []byte
}

// JobQueue runs download jobs on a fixed pool of workers
type JobQueue interface {
	Start(ctx context.Context)
	Stop()
	AddJob(req JobRequest) (types.DownloadJob, error)
	GetJob(id string) (types.DownloadJob, bool)
	GetAllJobs() []types.DownloadJob
	CancelJob(id string) error
	Wait(ctx context.Context, id string) (types.DownloadJob, error)
	QueuePosition(id string) int
	Stats() types.QueueStats
	Forget(id string)
}

// JobQueueDeps are the collaborators of a job queue. Fetcher and Transcoder
// default to the yt-dlp and ffmpeg wrappers.
type JobQueueDeps struct {
	Settings     *config.Settings
	Bus          *ProgressBus
	Store        *ProgressStore
	Output       *OutputManager
	Transcode    *TranscodeQueue
	Fetcher      Fetcher
	Transcoder   Transcoder
	RetryOptions []RetryOption
}

type jobEntry struct {
	job       types.DownloadJob
	cookies   []byte
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// jobQueue manages download jobs
type jobQueue struct {
	JobQueueDeps

	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	pending []string
	active  int
	queue   chan string

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewJobQueue creates a job queue; call Start to begin processing
func NewJobQueue(deps JobQueueDeps) (JobQueue, error) {
	if deps.Settings == nil || deps.Bus == nil || deps.Output == nil || deps.Transcode == nil {
		return nil, fmt.Errorf("job queue: settings, bus, output and transcode queue are required")
	}
	if deps.Fetcher == nil {
		deps.Fetcher = NewYTDLPFetcher()
	}
	if deps.Transcoder == nil {
		deps.Transcoder = NewFFmpegTranscoder()
	}
	if _, err := NewRetryPolicy(deps.retryOptions()...); err != nil {
		return nil, err
	}
	return &jobQueue{
		JobQueueDeps: deps,
		jobs:         make(map[string]*jobEntry),
		queue:        make(chan string, queueCapacity),
	}, nil
}

func (d JobQueueDeps) retryOptions() []RetryOption {
	opts := RetryOptionsFrom(d.Settings)
	return append(opts, d.RetryOptions...)
}

// NewJobRequest validates a raw URL and format
func NewJobRequest(rawURL, format string, cookies []byte) (JobRequest, types.Platform, error) {
	platform, ok := types.DetectPlatform(rawURL)
	if !ok {
		return JobRequest{}, "", ErrUnsupportedURL
	}
	f, ok := types.ParseFormat(format)
	if !ok {
		return JobRequest{}, "", ErrUnsupportedFormat
	}
	return JobRequest{URL: strings.TrimSpace(rawURL), Format: f, Cookies: cookies}, platform, nil
}

// Start launches the worker pool. Cancelling ctx or calling Stop cancels
// running jobs.
func (jq *jobQueue) Start(ctx context.Context) {
	ctx, jq.stop = context.WithCancel(ctx)
	workers := jq.Settings.MaxDownloadWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		jq.wg.Add(1)
		go jq.worker(ctx)
	}
	log.Infof("job queue started with %d worker(s)", workers)
}

// Stop cancels running jobs and waits for the workers to exit
func (jq *jobQueue) Stop() {
	if jq.stop != nil {
		jq.stop()
	}
	jq.wg.Wait()
}

// AddJob adds a new job to the queue
func (jq *jobQueue) AddJob(req JobRequest) (types.DownloadJob, error) {
	platform, ok := types.DetectPlatform(req.URL)
	if !ok {
		return types.DownloadJob{}, ErrUnsupportedURL
	}
	if _, ok := types.ParseFormat(string(req.Format)); !ok {
		return types.DownloadJob{}, ErrUnsupportedFormat
	}

	entry := &jobEntry{
		job: types.DownloadJob{
			ID:        uuid.New().String(),
			URL:       req.URL,
			Platform:  platform,
			Format:    req.Format,
			Status:    types.JobStatusQueued,
			Stage:     "queued",
			Message:   "Job queued",
			CreatedAt: time.Now().UTC(),
		},
		cookies: req.Cookies,
		done:    make(chan struct{}),
	}
	id := entry.job.ID

	if len(jq.queue) >= cap(jq.queue) {
		return types.DownloadJob{}, ErrQueueFull
	}

	// The queued state goes out before a worker can see the job, so it never
	// lands after the job's first download update.
	queued := types.NewProgressState(id, types.ProgressQueued, "queued", 0).WithMessage("Job queued")
	jq.Bus.Publish(queued)
	if jq.Store != nil {
		jq.Store.Record(queued)
	}

	jq.mu.Lock()
	select {
	case jq.queue <- id:
	default:
		jq.mu.Unlock()
		return types.DownloadJob{}, ErrQueueFull
	}
	jq.jobs[id] = entry
	jq.pending = append(jq.pending, id)
	job := entry.job
	jq.mu.Unlock()

	log.Infof("[%s] job created: platform=%s format=%s url=%s", id, platform, req.Format, req.URL)
	return job, nil
}

// GetJob retrieves a copy of a job by ID
func (jq *jobQueue) GetJob(id string) (types.DownloadJob, bool) {
	jq.mu.RLock()
	defer jq.mu.RUnlock()
	entry, exists := jq.jobs[id]
	if !exists {
		return types.DownloadJob{}, false
	}
	return entry.job, true
}

// GetAllJobs returns all jobs, oldest first
func (jq *jobQueue) GetAllJobs() []types.DownloadJob {
	jq.mu.RLock()
	defer jq.mu.RUnlock()

	jobs := make([]types.DownloadJob, 0, len(jq.jobs))
	for _, entry := range jq.jobs {
		jobs = append(jobs, entry.job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// CancelJob cancels a queued or running job
func (jq *jobQueue) CancelJob(id string) error {
	jq.mu.Lock()
	entry, exists := jq.jobs[id]
	if !exists {
		jq.mu.Unlock()
		return ErrJobNotFound
	}
	if entry.job.Status.IsFinished() || entry.cancelled {
		jq.mu.Unlock()
		return ErrNotCancellable
	}
	entry.cancelled = true

	if entry.cancel != nil {
		// Running; the worker records the cancellation when the job unwinds.
		entry.cancel()
		jq.mu.Unlock()
		return nil
	}

	jq.removePendingLocked(id)
	now := time.Now().UTC()
	entry.job.Status = types.JobStatusCancelled
	entry.job.Stage = "cancelled"
	entry.job.Message = "Job cancelled"
	entry.job.CompletedAt = &now
	close(entry.done)
	jq.mu.Unlock()

	state := types.NewProgressState(id, types.ProgressFailed, "cancelled", 0).WithMessage("Job cancelled")
	jq.publish(state)
	return nil
}

// Wait blocks until the job finishes or ctx ends
func (jq *jobQueue) Wait(ctx context.Context, id string) (types.DownloadJob, error) {
	jq.mu.RLock()
	entry, exists := jq.jobs[id]
	jq.mu.RUnlock()
	if !exists {
		return types.DownloadJob{}, ErrJobNotFound
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
		return types.DownloadJob{}, ctx.Err()
	}
	job, _ := jq.GetJob(id)
	return job, nil
}

// QueuePosition is the 1-based position of a waiting job, or 0 once it
// started or is unknown.
func (jq *jobQueue) QueuePosition(id string) int {
	jq.mu.RLock()
	defer jq.mu.RUnlock()
	for i, pendingID := range jq.pending {
		if pendingID == id {
			return i + 1
		}
	}
	return 0
}

// Stats summarizes the job and transcode queues
func (jq *jobQueue) Stats() types.QueueStats {
	jq.mu.RLock()
	stats := types.QueueStats{
		QueuedJobs: len(jq.pending),
		ActiveJobs: jq.active,
	}
	jq.mu.RUnlock()

	stats.TranscodeWaiting = jq.Transcode.QueueDepth()
	stats.TranscodeActive = jq.Transcode.ActiveWorkers()
	stats.TranscodeWorkers = jq.Transcode.MaxWorkers()
	if jq.Store != nil {
		stats.ProgressDepth = jq.Store.GetQueueDepth()
	}
	return stats
}

// Forget drops a finished job from memory
func (jq *jobQueue) Forget(id string) {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	if entry, ok := jq.jobs[id]; ok && entry.job.Status.IsFinished() {
		delete(jq.jobs, id)
	}
}

// worker processes jobs from the queue
func (jq *jobQueue) worker(ctx context.Context) {
	defer jq.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-jq.queue:
			jq.process(ctx, id)
		}
	}
}

func (jq *jobQueue) process(ctx context.Context, id string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jq.mu.Lock()
	entry, exists := jq.jobs[id]
	if !exists || entry.cancelled || entry.job.Status.IsFinished() {
		jq.mu.Unlock()
		return
	}
	jq.removePendingLocked(id)
	now := time.Now().UTC()
	entry.cancel = cancel
	entry.job.StartedAt = &now
	jq.active++
	jq.mu.Unlock()

	jq.Output.Protect(id)
	err := jq.run(jobCtx, entry)
	jq.Output.Unprotect(id)

	jq.mu.Lock()
	jq.active--
	cancelled := entry.cancelled
	jq.mu.Unlock()

	switch {
	case err == nil:
		log.Infof("[%s] job completed", id)
	case cancelled || errors.Is(err, context.Canceled):
		jq.finish(id, types.JobStatusCancelled, nil)
		jq.publish(types.NewProgressState(id, types.ProgressFailed, "cancelled", jq.percentOf(id)).WithMessage("Job cancelled"))
		log.Infof("[%s] job cancelled", id)
	default:
		jobErr := jobErrorFrom(err)
		jq.finish(id, types.JobStatusFailed, jobErr)
		state := types.NewProgressState(id, types.ProgressFailed, "error", jq.percentOf(id)).
			WithMessage("Download failed: " + jobErr.Message)
		state.Remediation = jobErr.Remediation
		jq.publish(state)
		log.Errorf("[%s] job failed: %v", id, err)
	}

	jq.mu.Lock()
	close(entry.done)
	jq.mu.Unlock()
}

func (jq *jobQueue) run(ctx context.Context, entry *jobEntry) error {
	jq.mu.RLock()
	job := entry.job
	cookies := entry.cookies
	jq.mu.RUnlock()
	id := job.ID

	if ok, msg := jq.Output.EnsureFreeSpace(jq.Settings.JobSizeEstimateBytes, jq.Settings.MinFreeBytes); !ok {
		return fmt.Errorf("%w: %s", ErrInsufficientSpace, msg)
	}
	if _, err := jq.Output.PrepareJob(id); err != nil {
		return err
	}
	var cookiesPath string
	if len(cookies) > 0 {
		p, err := jq.Output.WriteCookies(id, cookies)
		if err != nil {
			return err
		}
		cookiesPath = p
	}

	jq.publish(types.NewProgressState(id, types.ProgressDownloading, "initializing", percentStart).
		WithMessage("Initializing download"))

	fetchPolicy, err := NewRetryPolicy(jq.retryOptions()...)
	if err != nil {
		return err
	}
	fetched, err := ExecuteWithRetry(ctx, fetchPolicy, func(ctx context.Context) (string, error) {
		req := FetchRequest{
			URL:         job.URL,
			Format:      job.Format,
			OutputDir:   jq.Output.TempDir(id),
			CookiesPath: cookiesPath,
		}
		return jq.Fetcher.Fetch(ctx, req, func(p FetchProgress) {
			jq.publish(fetchState(id, p))
		})
	}, jq.onRetry(id, types.ProgressDownloading, "downloading"))
	jq.addRetries(id, fetchPolicy.AttemptCount()-1)
	if err != nil {
		return err
	}

	final, encoded, err := jq.transcode(ctx, id, fetched, job.Format)
	if err != nil {
		return err
	}

	jq.publish(types.NewProgressState(id, types.ProgressPackaging, "packaging", percentPackaging).
		WithMessage("Packaging"))
	info, err := os.Stat(final)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	media := ExtractMediaInfo(final)

	jq.mu.Lock()
	entry.job.Title = media.Title
	entry.job.FilePath = final
	entry.job.FileName = filepath.Base(final)
	entry.job.FileSize = info.Size()
	entry.job.DownloadURL = fmt.Sprintf("/api/downloads/%s/file", id)
	snapshot := entry.job
	jq.mu.Unlock()

	if _, err := jq.Output.WriteMetadata(id, jobMetadataFile, struct {
		types.DownloadJob
		Media     MediaInfo        `json:"media"`
		Transcode *TranscodeResult `json:"transcode,omitempty"`
	}{snapshot, media, encoded}); err != nil {
		log.Warnf("[%s] writing metadata: %v", id, err)
	}
	if err := os.RemoveAll(jq.Output.TempDir(id)); err != nil {
		log.Warnf("[%s] removing temp files: %v", id, err)
	}

	jq.finish(id, types.JobStatusCompleted, nil)
	jq.publish(types.NewProgressState(id, types.ProgressCompleted, "completed", 100).
		WithMessage("Download complete"))
	return nil
}

// TranscodeResult describes the encode behind a job's artifact
type TranscodeResult struct {
	Profile          string  `json:"profile,omitempty"`
	InputBytes       int64   `json:"inputBytes"`
	OutputBytes      int64   `json:"outputBytes"`
	CompressionRatio float64 `json:"compressionRatio"`
	// Error is set when compression failed and the download was kept as is
	Error string `json:"error,omitempty"`
}

// transcode converts the fetched file when its container differs from the
// requested format, or when it already matches but is over the primary
// profile's size limit. Anything else is moved into artifacts untouched.
// A failed compression keeps the download; a failed conversion fails the job.
func (jq *jobQueue) transcode(ctx context.Context, id, fetched string, format types.Format) (string, *TranscodeResult, error) {
	ext := strings.ToLower(filepath.Ext(fetched))
	stem := strings.TrimSuffix(filepath.Base(fetched), filepath.Ext(fetched))
	inputBytes := fileSize(fetched)
	limit := jq.Settings.Transcode.Primary.MaxFileSize
	compress := ext == "."+string(format)

	if compress && (limit == 0 || uint64(inputBytes) <= limit) {
		final, err := jq.keepFetched(id, fetched)
		return final, nil, err
	}

	final := jq.Output.ArtifactPath(id, stem+"."+string(format))
	waiting := types.NewProgressState(id, types.ProgressTranscoding, "waiting", percentFetchEnd).
		WithMessage("Waiting for a transcode slot")
	waiting.DownloadedBytes = inputBytes
	jq.publish(waiting)

	policy, err := NewRetryPolicy(jq.retryOptions()...)
	if err != nil {
		return "", nil, err
	}
	var result *TranscodeResult
	err = policy.Execute(ctx, func(ctx context.Context) error {
		return jq.Transcode.Run(ctx, func(ctx context.Context) error {
			r, err := jq.encode(ctx, id, fetched, final, format)
			result = r
			return err
		})
	}, jq.onRetry(id, types.ProgressTranscoding, "transcoding"))
	jq.addRetries(id, policy.AttemptCount()-1)

	if err != nil {
		if !compress || ctx.Err() != nil {
			return "", nil, err
		}
		log.Warnf("[%s] compression failed, keeping the download: %v", id, err)
		_ = os.Remove(final)
		kept, moveErr := jq.keepFetched(id, fetched)
		if moveErr != nil {
			return "", nil, moveErr
		}
		return kept, &TranscodeResult{
			InputBytes:       inputBytes,
			OutputBytes:      inputBytes,
			CompressionRatio: 1,
			Error:            err.Error(),
		}, nil
	}
	log.Infof("[%s] transcoded with %s: %s, ratio %.2f", id, result.Profile,
		humanize.Bytes(uint64(result.OutputBytes)), result.CompressionRatio)
	return final, result, nil
}

func (jq *jobQueue) keepFetched(id, fetched string) (string, error) {
	final := jq.Output.ArtifactPath(id, filepath.Base(fetched))
	if err := os.Rename(fetched, final); err != nil {
		return "", fmt.Errorf("move artifact: %w", err)
	}
	return final, nil
}

// encode runs the primary profile and, when its output is over the size
// limit, re-runs with the fallback profile into the same output. Both runs
// share the caller's transcode slot.
func (jq *jobQueue) encode(ctx context.Context, id, input, output string, format types.Format) (*TranscodeResult, error) {
	profiles := jq.Settings.Transcode
	inputBytes := fileSize(input)

	jq.publish(types.NewProgressState(id, types.ProgressTranscoding, "transcoding", percentTranscode).
		WithMessage(fmt.Sprintf("Transcoding to %s", format)))
	if err := jq.Transcoder.Transcode(ctx, input, output, format, profiles.Primary); err != nil {
		return nil, err
	}
	used := profiles.Primary
	outputBytes := fileSize(output)

	if limit := profiles.Primary.MaxFileSize; limit > 0 && uint64(outputBytes) > limit {
		jq.publish(types.NewProgressState(id, types.ProgressTranscoding, "transcoding-fallback", percentFallback).
			WithMessage(fmt.Sprintf("Output is %s, over the %s limit; trying fallback profile",
				humanize.Bytes(uint64(outputBytes)), humanize.Bytes(limit))))
		if err := jq.Transcoder.Transcode(ctx, input, output, format, profiles.Fallback); err != nil {
			return nil, err
		}
		used = profiles.Fallback
		outputBytes = fileSize(output)
	}

	result := &TranscodeResult{Profile: used.Name, InputBytes: inputBytes, OutputBytes: outputBytes}
	if inputBytes > 0 {
		result.CompressionRatio = float64(outputBytes) / float64(inputBytes)
	}
	return result, nil
}

func (jq *jobQueue) onRetry(id string, status types.ProgressStatus, stage string) OnRetry {
	return func(r RetryRemedy) {
		state := types.NewProgressState(id, status, stage, jq.percentOf(id)).
			WithMessage(fmt.Sprintf("%s, retrying in %ds", retryReason(r.Category), r.RetryAfterSeconds))
		state.RetryAfterSeconds = types.Int(r.RetryAfterSeconds)
		state.AttemptsRemaining = types.Int(r.AttemptsRemaining)
		state.Remediation = r.Action
		if state.Remediation == "" {
			state.Remediation = r.Message
		}
		jq.publish(state)
	}
}

func retryReason(category ErrorCategory) string {
	switch category {
	case CategoryPlatformThrottle:
		return "Platform throttled"
	case CategoryTransientNetwork:
		return "Network error"
	case CategoryAuthFailure:
		return "Authentication failed"
	case CategoryIOError:
		return "I/O error"
	case CategoryMissingDependency:
		return "Missing dependency"
	}
	return "Attempt failed"
}

// publish pushes a state to the bus and the store and mirrors it onto the
// job record. The job's percent never decreases.
func (jq *jobQueue) publish(state types.ProgressState) {
	state.ClampPercent()

	jq.mu.Lock()
	if entry, ok := jq.jobs[state.JobID]; ok {
		if state.Percent > entry.job.Percent || state.Status == types.ProgressCompleted {
			entry.job.Percent = state.Percent
		}
		if !entry.job.Status.IsFinished() {
			entry.job.Status = jobStatusFor(state.Status)
		}
		entry.job.Stage = state.Stage
		entry.job.Message = state.Message
	}
	jq.mu.Unlock()

	jq.Bus.Publish(state)
	if jq.Store != nil {
		jq.Store.Record(state)
	}
}

func (jq *jobQueue) finish(id string, status types.JobStatus, jobErr *types.JobError) {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	entry, ok := jq.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	entry.job.Status = status
	entry.job.Error = jobErr
	entry.job.CompletedAt = &now
}

func (jq *jobQueue) percentOf(id string) float64 {
	jq.mu.RLock()
	defer jq.mu.RUnlock()
	if entry, ok := jq.jobs[id]; ok {
		return entry.job.Percent
	}
	return 0
}

func (jq *jobQueue) addRetries(id string, n int) {
	if n <= 0 {
		return
	}
	jq.mu.Lock()
	defer jq.mu.Unlock()
	if entry, ok := jq.jobs[id]; ok {
		entry.job.RetryCount += n
	}
}

func (jq *jobQueue) removePendingLocked(id string) {
	for i, pendingID := range jq.pending {
		if pendingID == id {
			jq.pending = append(jq.pending[:i], jq.pending[i+1:]...)
			return
		}
	}
}

func fetchState(id string, p FetchProgress) types.ProgressState {
	percent := percentStart + p.Percent*(percentFetchEnd-percentStart)/100
	state := types.NewProgressState(id, types.ProgressDownloading, "downloading", percent).
		WithMessage(fmt.Sprintf("Downloading %.1f%%", p.Percent))
	state.DownloadedBytes = p.DownloadedBytes
	state.TotalBytes = p.TotalBytes
	state.Speed = p.Speed
	state.ETASeconds = p.ETASeconds
	return state
}

func jobStatusFor(status types.ProgressStatus) types.JobStatus {
	switch status {
	case types.ProgressQueued:
		return types.JobStatusQueued
	case types.ProgressDownloading:
		return types.JobStatusDownloading
	case types.ProgressTranscoding:
		return types.JobStatusTranscoding
	case types.ProgressPackaging:
		return types.JobStatusPackaging
	case types.ProgressCompleted:
		return types.JobStatusCompleted
	case types.ProgressFailed:
		return types.JobStatusFailed
	}
	return types.JobStatusPending
}

// jobErrorFrom converts a pipeline failure into its user-facing form
func jobErrorFrom(err error) *types.JobError {
	category := ClassifyError(err)
	remediation := AdviceFromError(err).Action

	var retryErr *RetryError
	if errors.As(err, &retryErr) {
		category = retryErr.Category
		if retryErr.Remediation != "" {
			remediation = retryErr.Remediation
		}
	}
	msg := err.Error()
	if errors.Is(err, ErrInsufficientSpace) {
		// The message already names free and required space.
		remediation = strings.TrimPrefix(msg, ErrInsufficientSpace.Error()+": ")
	}
	return &types.JobError{
		Code:        string(category),
		Message:     msg,
		Remediation: remediation,
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

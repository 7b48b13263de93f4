package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediagrabber/config"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = time.Minute
	throttleMultiplier = 2.0
)

var categoryActions = map[ErrorCategory]string{
	CategoryTransientNetwork:  "Check your network connection and try again",
	CategoryPlatformThrottle:  "Platform rate-limited; will retry automatically",
	CategoryAuthFailure:       "Check cookies or login credentials",
	CategoryMissingDependency: "Ensure ffmpeg and yt-dlp are installed and in PATH",
	CategoryIOError:           "Check available disk space and try clearing temp files",
}

// SuggestedAction returns the user-facing recovery hint for a category, or ""
// when there is nothing useful to suggest.
func SuggestedAction(category ErrorCategory) string {
	return categoryActions[category]
}

// RetryRemedy describes a failed attempt that is about to be retried
type RetryRemedy struct {
	Category          ErrorCategory
	Message           string
	RetryAfter        time.Duration
	RetryAfterSeconds int
	AttemptsRemaining int
	Action            string
}

// OnRetry is called after a failed attempt and before the backoff sleep
type OnRetry func(RetryRemedy)

// RetryError is returned once every attempt has failed
type RetryError struct {
	Category    ErrorCategory
	Attempts    int
	Remediation string
	Err         error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// RetryPolicy runs work up to MaxAttempts times with exponential backoff.
// Throttle-class failures back off twice as long as other categories.
// Attempt bookkeeping is per policy, so callers use one policy per job.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	newTimer    func() backoff.Timer

	mu           sync.Mutex
	attemptCount int
	lastErr      error
}

// RetryOption configures a RetryPolicy
type RetryOption func(*RetryPolicy)

// WithMaxAttempts sets the total number of attempts, including the first
func WithMaxAttempts(n int) RetryOption {
	return func(p *RetryPolicy) {
		p.maxAttempts = n
	}
}

// WithBaseDelay sets the delay after the first failure
func WithBaseDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.baseDelay = d
	}
}

// WithMaxDelay caps every computed delay
func WithMaxDelay(d time.Duration) RetryOption {
	return func(p *RetryPolicy) {
		p.maxDelay = d
	}
}

// WithTimer replaces the timer used for backoff sleeps
func WithTimer(newTimer func() backoff.Timer) RetryOption {
	return func(p *RetryPolicy) {
		p.newTimer = newTimer
	}
}

// NewRetryPolicy creates a policy; it fails when fewer than one attempt is allowed
func NewRetryPolicy(opts ...RetryOption) (*RetryPolicy, error) {
	p := &RetryPolicy{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be >= 1, got %d", config.ErrInvalidConfig, p.maxAttempts)
	}
	if p.baseDelay < 0 || p.maxDelay < 0 {
		return nil, fmt.Errorf("%w: retry delays must not be negative", config.ErrInvalidConfig)
	}
	return p, nil
}

// RetryOptionsFrom maps settings onto policy options
func RetryOptionsFrom(s *config.Settings) []RetryOption {
	return []RetryOption{
		WithMaxAttempts(s.RetryMaxAttempts),
		WithBaseDelay(s.RetryBaseDelay),
		WithMaxDelay(s.RetryMaxDelay),
	}
}

func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// AttemptCount is the number of attempts made by the current or last run
func (p *RetryPolicy) AttemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attemptCount
}

func (p *RetryPolicy) AttemptsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingLocked()
}

func (p *RetryPolicy) remainingLocked() int {
	if r := p.maxAttempts - p.attemptCount; r > 0 {
		return r
	}
	return 0
}

// LastError is the most recent attempt failure, if any
func (p *RetryPolicy) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// RemediationMessage suggests a fix for the last observed failure. The
// second result is false when no attempt has failed yet.
func (p *RetryPolicy) RemediationMessage() (string, bool) {
	err := p.LastError()
	if err == nil {
		return "", false
	}
	if action := SuggestedAction(ClassifyError(err)); action != "" {
		return action, true
	}
	return "Error: " + err.Error(), true
}

// CalculateBackoff returns base * 2^(attempt-1) * multiplier, capped at the
// max delay. The multiplier is 2 for platform throttling and 1 otherwise.
func (p *RetryPolicy) CalculateBackoff(attempt int, category ErrorCategory) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := 1.0
	if category == CategoryPlatformThrottle {
		multiplier = throttleMultiplier
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1)) * multiplier
	if delay >= float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// Execute runs work until it succeeds or the attempts are exhausted. Only
// the backoff sleep suspends; cancelling ctx there returns ctx.Err().
func (p *RetryPolicy) Execute(ctx context.Context, work func(context.Context) error, onRetry OnRetry) error {
	p.mu.Lock()
	p.attemptCount = 0
	p.lastErr = nil
	p.mu.Unlock()

	b := &attemptBackOff{policy: p}
	var lastErr error

	operation := func() error {
		p.mu.Lock()
		p.attemptCount++
		attempt := p.attemptCount
		p.mu.Unlock()

		err := work(ctx)
		if err == nil {
			return nil
		}

		category := ClassifyError(err)
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		lastErr = err
		b.attempt = attempt
		b.category = category
		return err
	}

	notify := func(err error, next time.Duration) {
		remedy := RetryRemedy{
			Category:          b.category,
			Message:           err.Error(),
			RetryAfter:        next,
			RetryAfterSeconds: int(math.Ceil(next.Seconds())),
			AttemptsRemaining: p.AttemptsRemaining(),
			Action:            SuggestedAction(b.category),
		}
		log.Debugf("attempt %d/%d failed (%s), retrying in %v: %v", b.attempt, p.maxAttempts, b.category, next, err)
		if onRetry != nil {
			onRetry(remedy)
		}
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(b, ctx), notify, timer)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lastErr == nil {
		return err
	}

	retryErr := &RetryError{
		Category: ClassifyError(lastErr),
		Attempts: p.AttemptCount(),
		Err:      lastErr,
	}
	retryErr.Remediation, _ = p.RemediationMessage()
	return retryErr
}

// ExecuteWithRetry is Execute for work that produces a value
func ExecuteWithRetry[T any](ctx context.Context, p *RetryPolicy, work func(context.Context) (T, error), onRetry OnRetry) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := work(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, onRetry)
	return result, err
}

// attemptBackOff feeds the policy's per-attempt delay into backoff.Retry
type attemptBackOff struct {
	policy   *RetryPolicy
	attempt  int
	category ErrorCategory
}

func (b *attemptBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.policy.maxAttempts {
		return backoff.Stop
	}
	return b.policy.CalculateBackoff(b.attempt, b.category)
}

func (b *attemptBackOff) Reset() {
	b.attempt = 0
	b.category = ""
}

package services

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"mediagrabber/config"
)

// TranscodeQueue bounds how many transcodes run at once. Waiting callers are
// admitted in arrival order.
type TranscodeQueue struct {
	maxWorkers int
	sem        *semaphore.Weighted

	mu            sync.Mutex
	queueDepth    int
	activeWorkers int
}

// NewTranscodeQueue creates a queue allowing maxWorkers concurrent slots
func NewTranscodeQueue(maxWorkers int) (*TranscodeQueue, error) {
	if maxWorkers < 1 {
		return nil, fmt.Errorf("%w: max workers must be >= 1, got %d", config.ErrInvalidConfig, maxWorkers)
	}
	return &TranscodeQueue{
		maxWorkers: maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
	}, nil
}

func (q *TranscodeQueue) MaxWorkers() int {
	return q.maxWorkers
}

// QueueDepth is the number of callers waiting for a slot
func (q *TranscodeQueue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queueDepth
}

// ActiveWorkers is the number of callers holding a slot
func (q *TranscodeQueue) ActiveWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeWorkers
}

// Run waits for a slot, runs work and releases the slot however work exits.
// Errors from work are returned unchanged.
func (q *TranscodeQueue) Run(ctx context.Context, work func(context.Context) error) error {
	release, err := q.WorkerSlot(ctx)
	if err != nil {
		return err
	}
	defer release()
	return work(ctx)
}

// WorkerSlot blocks until a slot is free and returns its release func, for
// callers driving a subprocess across several steps. If ctx ends while
// waiting, the wait is abandoned and ctx.Err() is returned. Calling release
// more than once is safe.
func (q *TranscodeQueue) WorkerSlot(ctx context.Context) (release func(), err error) {
	q.mu.Lock()
	q.queueDepth++
	q.mu.Unlock()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.mu.Lock()
		q.queueDepth--
		q.mu.Unlock()
		return nil, err
	}

	q.mu.Lock()
	q.queueDepth--
	q.activeWorkers++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.activeWorkers--
			q.mu.Unlock()
			q.sem.Release(1)
		})
	}, nil
}

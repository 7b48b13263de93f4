package services

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
)

// Janitor periodically prunes old job directories and expired progress
// records.
type Janitor struct {
	output *OutputManager
	store  *ProgressStore
	jobs   JobQueue
	maxAge time.Duration

	cron *cron.Cron
}

// SweepResult summarizes one janitor pass
type SweepResult struct {
	RemovedJobs     []string
	FreedBytes      uint64
	ExpiredProgress int
}

// NewJanitor schedules Sweep every interval. jobs may be nil.
func NewJanitor(output *OutputManager, store *ProgressStore, jobs JobQueue, interval, maxAge time.Duration) (*Janitor, error) {
	j := &Janitor{
		output: output,
		store:  store,
		jobs:   jobs,
		maxAge: maxAge,
		cron:   cron.New(),
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := j.cron.AddFunc(spec, func() {
		if _, err := j.Sweep(); err != nil {
			log.Warnf("janitor sweep: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", spec, err)
	}
	return j, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep runs one cleanup pass immediately
func (j *Janitor) Sweep() (SweepResult, error) {
	var res SweepResult
	var errs *multierror.Error

	if j.output != nil {
		pruned, err := j.output.PruneOlderThan(j.maxAge)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		res.RemovedJobs = pruned.Removed
		res.FreedBytes = pruned.Freed
		for _, jobID := range pruned.Removed {
			if j.jobs != nil {
				j.jobs.Forget(jobID)
			}
			if j.store != nil {
				j.store.Forget(jobID)
			}
		}
	}
	if j.store != nil {
		res.ExpiredProgress = j.store.CleanupExpired()
	}

	if len(res.RemovedJobs) > 0 || res.ExpiredProgress > 0 {
		log.Infof("janitor removed %d job(s), freed %s, expired %d progress record(s)",
			len(res.RemovedJobs), humanize.Bytes(res.FreedBytes), res.ExpiredProgress)
	}
	return res, errs.ErrorOrNil()
}

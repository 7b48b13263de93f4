package services

import (
	"sync"
	"time"

	"mediagrabber/types"
)

type progressRecord struct {
	state      types.ProgressState
	recordedAt time.Time
}

// ProgressStore keeps the full ordered timeline of states per job. Reads
// ignore records older than the TTL; only CleanupExpired deletes them.
type ProgressStore struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	records map[string][]progressRecord
}

// StoreOption configures a ProgressStore
type StoreOption func(*ProgressStore)

// WithStoreClock replaces time.Now
func WithStoreClock(clock Clock) StoreOption {
	return func(s *ProgressStore) {
		s.clock = clock
	}
}

// NewProgressStore creates a store whose records live for ttl
func NewProgressStore(ttl time.Duration, opts ...StoreOption) *ProgressStore {
	s := &ProgressStore{
		ttl:     ttl,
		clock:   time.Now,
		records: make(map[string][]progressRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends state to its job's history
func (s *ProgressStore) Record(state types.ProgressState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[state.JobID] = append(s.records[state.JobID], progressRecord{
		state:      state,
		recordedAt: s.clock(),
	})
}

// Listener returns a bus listener that records every published state
func (s *ProgressStore) Listener() Listener {
	return ListenerFunc(s.Record)
}

// GetLatest returns the newest live record for jobID
func (s *ProgressStore) GetLatest(jobID string) (types.ProgressState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	valid := s.validLocked(jobID, s.clock())
	if len(valid) == 0 {
		return types.ProgressState{}, false
	}
	return valid[len(valid)-1].state, true
}

// GetHistory returns up to limit of the newest live records for jobID,
// oldest first. A limit of zero or less returns every live record.
func (s *ProgressStore) GetHistory(jobID string, limit int) []types.ProgressState {
	s.mu.Lock()
	defer s.mu.Unlock()
	valid := s.validLocked(jobID, s.clock())
	if limit > 0 && len(valid) > limit {
		valid = valid[len(valid)-limit:]
	}
	out := make([]types.ProgressState, len(valid))
	for i, r := range valid {
		out[i] = r.state
	}
	return out
}

// GetQueueDepth counts live records whose status is queued or transcoding,
// across all jobs. It approximates current load for admission decisions.
func (s *ProgressStore) GetQueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	count := 0
	for _, records := range s.records {
		for _, r := range records {
			if !s.liveAt(r, now) {
				continue
			}
			if r.state.Status == types.ProgressQueued || r.state.Status == types.ProgressTranscoding {
				count++
			}
		}
	}
	return count
}

// CleanupExpired drops expired records, and whole jobs left without any.
// It returns the records dropped from surviving jobs plus one per job
// dropped entirely.
func (s *ProgressStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	removed := 0
	for jobID, records := range s.records {
		valid := make([]progressRecord, 0, len(records))
		for _, r := range records {
			if s.liveAt(r, now) {
				valid = append(valid, r)
			}
		}
		if len(valid) == 0 {
			delete(s.records, jobID)
			removed++
			continue
		}
		removed += len(records) - len(valid)
		s.records[jobID] = valid
	}
	return removed
}

// Forget removes every record of jobID
func (s *ProgressStore) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
}

func (s *ProgressStore) validLocked(jobID string, now time.Time) []progressRecord {
	records := s.records[jobID]
	valid := make([]progressRecord, 0, len(records))
	for _, r := range records {
		if s.liveAt(r, now) {
			valid = append(valid, r)
		}
	}
	return valid
}

func (s *ProgressStore) liveAt(r progressRecord, now time.Time) bool {
	return now.Sub(r.recordedAt) < s.ttl
}

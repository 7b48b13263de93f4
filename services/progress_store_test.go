package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mediagrabber/types"
)

func TestProgressStoreHistoryLimit(t *testing.T) {
	store := NewProgressStore(time.Minute)
	for i := 1; i <= 5; i++ {
		store.Record(types.NewProgressState("job", types.ProgressDownloading, "downloading", float64(i*10)))
	}

	history := store.GetHistory("job", 3)
	assert.Len(t, history, 3)
	assert.Equal(t, []float64{30, 40, 50}, percents(history))

	assert.Len(t, store.GetHistory("job", 0), 5)
	assert.Len(t, store.GetHistory("job", 10), 5)
	assert.Empty(t, store.GetHistory("other", 3))

	latest, ok := store.GetLatest("job")
	assert.True(t, ok)
	assert.Equal(t, 50.0, latest.Percent)
}

func TestProgressStoreIgnoresExpiredRecords(t *testing.T) {
	clock := newFakeClock()
	store := NewProgressStore(time.Minute, WithStoreClock(clock.Now))

	store.Record(types.NewProgressState("job", types.ProgressQueued, "queued", 0))
	clock.Advance(30 * time.Second)
	store.Record(types.NewProgressState("job", types.ProgressDownloading, "downloading", 20))
	clock.Advance(30 * time.Second)

	// the first record is exactly one TTL old
	history := store.GetHistory("job", 0)
	assert.Equal(t, []float64{20}, percents(history))

	clock.Advance(30 * time.Second)
	_, ok := store.GetLatest("job")
	assert.False(t, ok)
}

func TestProgressStoreQueueDepth(t *testing.T) {
	clock := newFakeClock()
	store := NewProgressStore(time.Minute, WithStoreClock(clock.Now))

	store.Record(types.NewProgressState("a", types.ProgressQueued, "queued", 0))
	store.Record(types.NewProgressState("b", types.ProgressQueued, "queued", 0))
	store.Record(types.NewProgressState("b", types.ProgressDownloading, "downloading", 10))
	store.Record(types.NewProgressState("c", types.ProgressTranscoding, "transcoding", 88))
	assert.Equal(t, 3, store.GetQueueDepth())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, store.GetQueueDepth())
}

func TestProgressStoreCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	store := NewProgressStore(time.Minute, WithStoreClock(clock.Now))

	store.Record(types.NewProgressState("a", types.ProgressQueued, "queued", 0))
	store.Record(types.NewProgressState("a", types.ProgressDownloading, "downloading", 10))
	store.Record(types.NewProgressState("b", types.ProgressQueued, "queued", 0))
	clock.Advance(90 * time.Second)
	store.Record(types.NewProgressState("a", types.ProgressDownloading, "downloading", 50))

	// two stale records from a, plus b dropped entirely
	assert.Equal(t, 3, store.CleanupExpired())
	assert.Len(t, store.GetHistory("a", 0), 1)
	assert.Empty(t, store.GetHistory("b", 0))
	assert.Equal(t, 0, store.CleanupExpired())
}

func TestProgressStoreForgetAndListener(t *testing.T) {
	store := NewProgressStore(time.Minute)
	bus := NewProgressBus(time.Minute)
	bus.Subscribe(store.Listener())

	bus.Publish(types.NewProgressState("a", types.ProgressQueued, "queued", 0))
	assert.Len(t, store.GetHistory("a", 0), 1)

	store.Forget("a")
	assert.Empty(t, store.GetHistory("a", 0))
}

func percents(states []types.ProgressState) []float64 {
	out := make([]float64, len(states))
	for i, s := range states {
		out[i] = s.Percent
	}
	return out
}

package file

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/furydrop/common"
)

func TestStatsTracker(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	tracker := NewStatsTracker(1000, 4)
	tracker.now = func() time.Time { return clock }

	require.NotEmpty(t, tracker.Snapshot().TransferID)
	assert.Equal(t, common.TransferStateIdle, tracker.Snapshot().State)

	t.Run("Rate", func(t *testing.T) {
		tracker.Start()
		clock = clock.Add(2 * time.Second)

		stats := tracker.AddChunk(250)
		assert.Equal(t, int64(250), stats.BytesTransferred)
		assert.Equal(t, 1, stats.ChunksTransferred)
		assert.InDelta(t, 125.0, stats.TransferRate, 0.001)
		assert.Equal(t, 6*time.Second, stats.ETA)
		assert.InDelta(t, 25.0, stats.Percent(), 0.001)
	})

	t.Run("SnapshotIsCopy", func(t *testing.T) {
		snap := tracker.Snapshot()
		snap.BytesTransferred = 999
		assert.Equal(t, int64(250), tracker.Snapshot().BytesTransferred)
	})

	t.Run("Counters", func(t *testing.T) {
		tracker.AddDiscard()
		tracker.AddRetry()
		tracker.AddRetry()
		stats := tracker.Snapshot()
		assert.Equal(t, 1, stats.DiscardedChunks)
		assert.Equal(t, 2, stats.RetryCount)
	})

	t.Run("Finish", func(t *testing.T) {
		stats := tracker.Finish(common.TransferStateFailed, errors.New("boom"))
		assert.Equal(t, common.TransferStateFailed, stats.State)
		assert.Equal(t, "boom", stats.Error)
		assert.Equal(t, clock, stats.EndTime)
	})
}

func TestStatsTrackerSlowLink(t *testing.T) {
	clock := time.Unix(1700000000, 0)
	tracker := NewStatsTracker(100, 2)
	tracker.now = func() time.Time { return clock }

	// No time elapsed: speed stays zero and the ETA uses the 1 B/s floor
	stats := tracker.AddChunk(10)
	assert.Equal(t, 0.0, stats.TransferRate)
	assert.Equal(t, 90*time.Second, stats.ETA)
}

func TestStatsTrackerEmpty(t *testing.T) {
	tracker := NewStatsTracker(0, 0)
	assert.Equal(t, 0.0, tracker.Snapshot().Percent())
	stats := tracker.Finish(common.TransferStateComplete, nil)
	assert.Equal(t, 100.0, stats.Percent())
	assert.Empty(t, stats.Error)
}

package file

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/furydrop/common"
)

// TransferStats contains statistics about a file transfer
type TransferStats struct {
	TransferID        string               `json:"transfer_id"`
	StartTime         time.Time            `json:"start_time"`
	EndTime           time.Time            `json:"end_time"`
	BytesTransferred  int64                `json:"bytes_transferred"`
	TotalBytes        int64                `json:"total_bytes"`
	ChunksTransferred int                  `json:"chunks_transferred"`
	TotalChunks       int                  `json:"total_chunks"`
	DiscardedChunks   int                  `json:"discarded_chunks"`
	RetryCount        int                  `json:"retry_count"`
	TransferRate      float64              `json:"transfer_rate_bps"`
	ETA               time.Duration        `json:"eta"`
	State             common.TransferState `json:"state"`
	Error             string               `json:"error,omitempty"`
}

// Percent returns the share of bytes transferred so far
func (s TransferStats) Percent() float64 {
	if s.TotalBytes == 0 {
		if s.State == common.TransferStateComplete {
			return 100
		}
		return 0
	}
	return float64(s.BytesTransferred) / float64(s.TotalBytes) * 100
}

// StatsTracker owns the live statistics of one transfer. Readers only ever
// see copies.
type StatsTracker struct {
	mu    sync.Mutex
	stats TransferStats
	now   func() time.Time
}

// NewStatsTracker creates a tracker for a transfer of totalBytes in totalChunks
func NewStatsTracker(totalBytes int64, totalChunks int) *StatsTracker {
	return &StatsTracker{
		stats: TransferStats{
			TransferID:  uuid.New().String(),
			TotalBytes:  totalBytes,
			TotalChunks: totalChunks,
			State:       common.TransferStateIdle,
		},
		now: time.Now,
	}
}

// Reset re-targets the tracker at a new total, keeping its ID and state
func (t *StatsTracker) Reset(totalBytes int64, totalChunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalBytes = totalBytes
	t.stats.TotalChunks = totalChunks
	t.stats.BytesTransferred = 0
	t.stats.ChunksTransferred = 0
	t.stats.StartTime = time.Time{}
}

// Start records the start of the data phase
func (t *StatsTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stats.StartTime.IsZero() {
		t.stats.StartTime = t.now()
	}
}

// AddChunk records n more bytes and returns the updated snapshot
func (t *StatsTracker) AddChunk(n int) TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.stats.StartTime.IsZero() {
		t.stats.StartTime = now
	}

	t.stats.BytesTransferred += int64(n)
	t.stats.ChunksTransferred++

	elapsed := now.Sub(t.stats.StartTime).Seconds()
	if elapsed > 0 {
		t.stats.TransferRate = float64(t.stats.BytesTransferred) / elapsed
	}

	// Rate is floored at 1 B/s so the estimate stays finite
	rate := t.stats.TransferRate
	if rate < 1 {
		rate = 1
	}
	remaining := t.stats.TotalBytes - t.stats.BytesTransferred
	if remaining < 0 {
		remaining = 0
	}
	t.stats.ETA = time.Duration(float64(remaining) / rate * float64(time.Second))

	return t.stats
}

// AddDiscard counts a chunk that was dropped
func (t *StatsTracker) AddDiscard() {
	t.mu.Lock()
	t.stats.DiscardedChunks++
	t.mu.Unlock()
}

// AddRetry counts a retried write
func (t *StatsTracker) AddRetry() {
	t.mu.Lock()
	t.stats.RetryCount++
	t.mu.Unlock()
}

// SetState moves the transfer to state
func (t *StatsTracker) SetState(state common.TransferState) {
	t.mu.Lock()
	t.stats.State = state
	t.mu.Unlock()
}

// Finish moves the transfer to a terminal state, recording err if any
func (t *StatsTracker) Finish(state common.TransferState, err error) TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.State = state
	t.stats.EndTime = t.now()
	if err != nil {
		t.stats.Error = err.Error()
	}
	if state == common.TransferStateComplete {
		t.stats.ETA = 0
	}

	return t.stats
}

// Snapshot returns a copy of the current statistics
func (t *StatsTracker) Snapshot() TransferStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/common"
	"github.com/TFMV/furydrop/crypto"
	"github.com/TFMV/furydrop/file"
	"github.com/TFMV/furydrop/metrics"
)

// ErrFileIntegrity is returned when the reassembled file does not match the
// manifest's file ID
var ErrFileIntegrity = errors.New("file integrity check failed")

// Reasons a received message is discarded
const (
	discardBadManifest  = "bad_manifest"
	discardShortPacket  = "short_packet"
	discardSizeMismatch = "size_mismatch"
	discardOutOfRange   = "index_out_of_range"
	discardHashMismatch = "hash_mismatch"
)

// inboxSize bounds messages queued between the data channel and the receiver
const inboxSize = 256

// Receiver collects one file from the peer. Chunks may arrive in any order;
// each is verified against the manifest before it is kept.
type Receiver struct {
	logger     *zap.Logger
	config     common.TransferConfig
	transport  Transport
	negotiator *Negotiator
	onProgress ProgressFunc
	stats      *file.StatsTracker

	inbox     chan []byte
	startOnce sync.Once

	mu       sync.Mutex
	manifest *file.Manifest
	chunks   map[uint32][]byte

	complete     chan struct{}
	completeOnce sync.Once

	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once
}

// NewReceiver creates a receiver. The manifest is learned from the peer.
func NewReceiver(logger *zap.Logger, config common.TransferConfig, transport Transport, negotiator *Negotiator, onProgress ProgressFunc) *Receiver {
	stats := file.NewStatsTracker(0, 0)

	return &Receiver{
		logger:     logger.With(zap.String("transfer_id", stats.Snapshot().TransferID)),
		config:     config,
		transport:  transport,
		negotiator: negotiator,
		onProgress: onProgress,
		stats:      stats,
		inbox:      make(chan []byte, inboxSize),
		complete:   make(chan struct{}),
		abortCh:    make(chan struct{}),
	}
}

// State returns the current transfer state
func (r *Receiver) State() common.TransferState {
	return r.stats.Snapshot().State
}

// Stats returns a snapshot of the transfer statistics
func (r *Receiver) Stats() file.TransferStats {
	return r.stats.Snapshot()
}

// Manifest returns the received manifest, or nil before it arrived
func (r *Receiver) Manifest() *file.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest
}

// Connect starts consuming data channel messages and negotiates as the
// responder
func (r *Receiver) Connect(ctx context.Context) error {
	r.stats.SetState(common.TransferStateNegotiating)

	r.startOnce.Do(func() {
		go r.processInbox()
		r.transport.OnMessage(r.enqueue)
	})

	if err := r.negotiator.Negotiate(ctx); err != nil {
		r.stats.Finish(terminalState(err), err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	r.mu.Lock()
	if r.manifest == nil {
		r.stats.SetState(common.TransferStateAwaitingManifest)
	}
	r.mu.Unlock()

	return nil
}

// enqueue runs on the transport's callback goroutine and blocks while the
// inbox is full
func (r *Receiver) enqueue(data []byte) {
	select {
	case r.inbox <- data:
	case <-r.abortCh:
	}
}

func (r *Receiver) processInbox() {
	for {
		select {
		case data := <-r.inbox:
			r.HandleMessage(data)
		case <-r.abortCh:
			return
		}
	}
}

// HandleMessage processes one data channel message: the manifest while none
// has been received, a chunk packet afterwards. Invalid messages are dropped.
func (r *Receiver) HandleMessage(data []byte) {
	if r.aborted.Load() {
		return
	}

	r.mu.Lock()

	if r.manifest == nil {
		r.handleManifest(data)
		return
	}

	index, payload, err := file.DecodePacket(data)

	reason := ""
	switch {
	case errors.Is(err, file.ErrShortPacket):
		reason = discardShortPacket
	case err != nil:
		reason = discardSizeMismatch
	case int(index) >= r.manifest.TotalChunks:
		reason = discardOutOfRange
	case !crypto.Verify(payload, r.manifest.Chunks[index].Hash):
		reason = discardHashMismatch
	}

	if reason != "" {
		r.stats.AddDiscard()
		r.mu.Unlock()

		metrics.ChunksDiscarded.WithLabelValues(reason).Inc()
		r.logger.Warn("Discarding chunk",
			zap.String("reason", reason),
			zap.Uint32("chunk_index", index),
			zap.Int("size", len(data)))
		return
	}

	if _, ok := r.chunks[index]; ok {
		r.mu.Unlock()
		r.logger.Debug("Ignoring duplicate chunk", zap.Uint32("chunk_index", index))
		return
	}

	r.chunks[index] = append([]byte(nil), payload...)
	snapshot := r.stats.AddChunk(len(payload))
	done := len(r.chunks) == r.manifest.TotalChunks
	r.mu.Unlock()

	metrics.BytesReceived.Add(float64(len(payload)))
	r.logger.Debug("Chunk received",
		zap.Uint32("chunk_index", index),
		zap.Int("size", len(payload)))

	if r.onProgress != nil {
		r.onProgress(snapshot)
	}
	if done {
		r.markComplete()
	}
}

// handleManifest is called with r.mu held and releases it
func (r *Receiver) handleManifest(data []byte) {
	manifest, err := file.ParseManifest(data)
	if err != nil {
		r.stats.AddDiscard()
		r.mu.Unlock()

		metrics.ChunksDiscarded.WithLabelValues(discardBadManifest).Inc()
		r.logger.Warn("Discarding message received before manifest",
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}

	r.manifest = manifest
	r.chunks = make(map[uint32][]byte, manifest.TotalChunks)
	r.stats.Reset(manifest.FileSize, manifest.TotalChunks)
	r.stats.SetState(common.TransferStateReceiving)
	r.stats.Start()
	snapshot := r.stats.Snapshot()
	r.mu.Unlock()

	metrics.ActiveTransfers.Inc()
	r.logger.Info("Manifest received",
		zap.String("file_id", manifest.FileID),
		zap.String("file_name", manifest.FileName),
		zap.Int64("file_size", manifest.FileSize),
		zap.Int("total_chunks", manifest.TotalChunks))

	if r.onProgress != nil {
		r.onProgress(snapshot)
	}
	if manifest.TotalChunks == 0 {
		r.markComplete()
	}
}

func (r *Receiver) markComplete() {
	r.completeOnce.Do(func() {
		close(r.complete)
		metrics.ActiveTransfers.Dec()
	})
}

func (r *Receiver) isComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest != nil && len(r.chunks) == r.manifest.TotalChunks
}

// WaitForCompletion waits until every chunk has been received, then writes
// the file to w in index order and verifies it against the file ID
func (r *Receiver) WaitForCompletion(ctx context.Context, w io.Writer) (*file.Manifest, error) {
	ctx, span := otel.Tracer("furydrop/node").Start(ctx, "ReceiveFile")
	defer span.End()

	manifest, err := r.waitAndWrite(ctx, w)
	stats := r.stats.Finish(terminalState(err), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrAborted) {
			r.logger.Info("Transfer aborted")
		} else {
			r.logger.Error("Transfer failed", zap.Error(err))
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("file_id", manifest.FileID),
		attribute.Int64("file_size", manifest.FileSize),
	)
	r.logger.Info("Transfer complete",
		zap.Int64("bytes", stats.BytesTransferred),
		zap.Int("discarded", stats.DiscardedChunks),
		zap.Float64("transfer_rate_bps", stats.TransferRate))

	return manifest, nil
}

func (r *Receiver) waitAndWrite(ctx context.Context, w io.Writer) (*file.Manifest, error) {
	interval := r.config.CompletionPollInterval
	if interval <= 0 {
		interval = common.DefaultTransferConfig().CompletionPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !r.isComplete() {
		select {
		case <-r.complete:
		case <-ticker.C:
		case <-r.abortCh:
			return nil, ErrAborted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	manifest := r.manifest
	ordered := make([][]byte, manifest.TotalChunks)
	for i := range ordered {
		ordered[i] = r.chunks[uint32(i)]
	}
	r.mu.Unlock()

	hasher := file.NewFileIDHasher(manifest.Scheme())
	for i, data := range ordered {
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write chunk %d: %w", i, err)
		}
		hasher.Add(data, manifest.Chunks[i].Hash)
	}

	if r.config.VerifyFileID {
		if fileID := hasher.Sum(); fileID != manifest.FileID {
			return nil, fmt.Errorf("%w: expected %s, got %s", ErrFileIntegrity, manifest.FileID, fileID)
		}
	}

	return manifest, nil
}

// Abort stops negotiation or waiting at the next loop boundary
func (r *Receiver) Abort() {
	r.abortOnce.Do(func() {
		r.aborted.Store(true)
		close(r.abortCh)
	})
	if r.negotiator != nil {
		r.negotiator.Abort()
	}
}

// Close aborts the transfer and tears down the transport
func (r *Receiver) Close() error {
	r.Abort()

	r.mu.Lock()
	incomplete := r.manifest != nil && len(r.chunks) < r.manifest.TotalChunks
	r.mu.Unlock()
	if incomplete {
		r.completeOnce.Do(func() { metrics.ActiveTransfers.Dec() })
	}

	return r.transport.Close()
}

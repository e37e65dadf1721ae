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
	"github.com/TFMV/furydrop/file"
	"github.com/TFMV/furydrop/metrics"
)

var (
	// ErrRetriesExhausted is returned when a chunk could not be written within MaxRetries
	ErrRetriesExhausted = errors.New("chunk write retries exhausted")
	// ErrChannelNotReady is returned when sending before the data channel is open
	ErrChannelNotReady = errors.New("data channel not ready")
	// ErrMessageTooLarge is returned when the manifest or a chunk packet
	// exceeds what the channel can carry in one message
	ErrMessageTooLarge = errors.New("message exceeds data channel limit")
)

// ProgressFunc receives a snapshot of transfer statistics
type ProgressFunc func(stats file.TransferStats)

// terminalState maps the outcome of a transfer to its final state
func terminalState(err error) common.TransferState {
	switch {
	case err == nil:
		return common.TransferStateComplete
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return common.TransferStateCancelled
	default:
		return common.TransferStateFailed
	}
}

// Sender streams one file to the peer: the manifest first, then every
// chunk in index order
type Sender struct {
	logger     *zap.Logger
	config     common.TransferConfig
	manifest   *file.Manifest
	src        io.ReaderAt
	transport  Transport
	negotiator *Negotiator
	onProgress ProgressFunc
	stats      *file.StatsTracker

	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once
}

// NewSender creates a sender for manifest, reading chunk data from src
func NewSender(logger *zap.Logger, config common.TransferConfig, manifest *file.Manifest, src io.ReaderAt, transport Transport, negotiator *Negotiator, onProgress ProgressFunc) *Sender {
	stats := file.NewStatsTracker(manifest.FileSize, manifest.TotalChunks)

	return &Sender{
		logger: logger.With(
			zap.String("file_id", manifest.FileID),
			zap.String("transfer_id", stats.Snapshot().TransferID)),
		config:     config,
		manifest:   manifest,
		src:        src,
		transport:  transport,
		negotiator: negotiator,
		onProgress: onProgress,
		stats:      stats,
		abortCh:    make(chan struct{}),
	}
}

// State returns the current transfer state
func (s *Sender) State() common.TransferState {
	return s.stats.Snapshot().State
}

// Stats returns a snapshot of the transfer statistics
func (s *Sender) Stats() file.TransferStats {
	return s.stats.Snapshot()
}

// Connect negotiates as the initiator and returns once the channel is open
func (s *Sender) Connect(ctx context.Context) error {
	s.stats.SetState(common.TransferStateNegotiating)

	if err := s.negotiator.Negotiate(ctx); err != nil {
		s.stats.Finish(terminalState(err), err)
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Send writes the manifest and all chunks. Chunks are written only while the
// channel's buffered amount is at or below the high-water mark.
func (s *Sender) Send(ctx context.Context) error {
	ctx, span := otel.Tracer("furydrop/node").Start(ctx, "SendFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("file_id", s.manifest.FileID),
		attribute.Int64("file_size", s.manifest.FileSize),
		attribute.Int("total_chunks", s.manifest.TotalChunks),
	)

	err := s.send(ctx)
	stats := s.stats.Finish(terminalState(err), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrAborted) {
			s.logger.Info("Transfer aborted")
		} else {
			s.logger.Error("Transfer failed", zap.Error(err))
		}
		return err
	}

	s.logger.Info("Transfer complete",
		zap.Int64("bytes", stats.BytesTransferred),
		zap.Int("retries", stats.RetryCount),
		zap.Float64("transfer_rate_bps", stats.TransferRate))

	return nil
}

func (s *Sender) send(ctx context.Context) error {
	ch := s.transport.Channel()
	if ch == nil {
		return ErrChannelNotReady
	}

	s.stats.SetState(common.TransferStateSending)
	metrics.ActiveTransfers.Inc()
	defer metrics.ActiveTransfers.Dec()

	manifestData, err := s.manifest.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	limit := ch.MaxMessageSize()
	if len(manifestData) > limit {
		return fmt.Errorf("%w: manifest is %d bytes, limit %d", ErrMessageTooLarge, len(manifestData), limit)
	}
	if packetSize := file.PacketHeaderSize + s.manifest.ChunkSize; packetSize > limit {
		return fmt.Errorf("%w: chunk packets are %d bytes, limit %d", ErrMessageTooLarge, packetSize, limit)
	}

	s.stats.Start()

	if err := s.writeWithRetry(ctx, "manifest", func() error {
		return ch.SendText(string(manifestData))
	}); err != nil {
		return err
	}
	s.logger.Info("Manifest sent",
		zap.String("file_name", s.manifest.FileName),
		zap.Int("total_chunks", s.manifest.TotalChunks))

	for _, chunk := range s.manifest.Chunks {
		if err := s.waitForBuffer(ctx, ch); err != nil {
			return err
		}

		payload, err := file.ReadChunk(s.src, chunk)
		if err != nil {
			return err
		}
		packet := file.EncodePacket(chunk.Index, payload)

		if err := s.writeWithRetry(ctx, fmt.Sprintf("chunk %d", chunk.Index), func() error {
			return ch.Send(packet)
		}); err != nil {
			return err
		}

		snapshot := s.stats.AddChunk(len(payload))
		metrics.BytesSent.Add(float64(len(payload)))

		s.logger.Debug("Chunk sent",
			zap.Uint32("chunk_index", chunk.Index),
			zap.Int("size", len(payload)))

		if s.onProgress != nil {
			s.onProgress(snapshot)
		}
	}

	return nil
}

// waitForBuffer blocks while the channel holds more than the high-water mark
func (s *Sender) waitForBuffer(ctx context.Context, ch Channel) error {
	for ch.BufferedAmount() > s.config.HighWaterMark {
		if err := s.sleep(ctx, s.config.BackpressureWait); err != nil {
			return err
		}
	}
	return nil
}

// writeWithRetry retries a failed write every RetryInterval, giving up after
// MaxRetries retries when MaxRetries is positive
func (s *Sender) writeWithRetry(ctx context.Context, what string, write func() error) error {
	retries := 0
	for {
		if s.aborted.Load() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := write()
		if err == nil {
			return nil
		}

		if s.config.MaxRetries > 0 && retries >= s.config.MaxRetries {
			return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, what, err)
		}
		retries++

		s.stats.AddRetry()
		metrics.ChunkRetries.Inc()
		s.logger.Warn("Write failed, retrying",
			zap.String("what", what),
			zap.Int("attempt", retries),
			zap.Error(err))

		if err := s.sleep(ctx, s.config.RetryInterval); err != nil {
			return err
		}
	}
}

// sleep waits for d unless the transfer is aborted or ctx ends first
func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.abortCh:
		return ErrAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything written has left the channel's buffer
func (s *Sender) Flush(ctx context.Context) error {
	ch := s.transport.Channel()
	if ch == nil {
		return nil
	}

	for ch.BufferedAmount() > 0 {
		if err := s.sleep(ctx, s.config.BackpressureWait); err != nil {
			return err
		}
	}
	return nil
}

// Abort stops negotiation or sending at the next loop boundary
func (s *Sender) Abort() {
	s.abortOnce.Do(func() {
		s.aborted.Store(true)
		close(s.abortCh)
	})
	if s.negotiator != nil {
		s.negotiator.Abort()
	}
}

// Close aborts the transfer and tears down the transport
func (s *Sender) Close() error {
	s.Abort()
	return s.transport.Close()
}

package node

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furydrop/common"
	"github.com/TFMV/furydrop/file"
	"github.com/TFMV/furydrop/signal"
)

// Config groups the settings a node hands to its engines
type Config struct {
	Transfer    common.TransferConfig
	Negotiation NegotiationConfig
}

// DefaultConfig returns a default node configuration
func DefaultConfig() Config {
	return Config{
		Transfer:    common.DefaultTransferConfig(),
		Negotiation: DefaultNegotiationConfig(),
	}
}

// LoadConfig reads the transfer and negotiation sections of the configuration
func LoadConfig() Config {
	return Config{
		Transfer:    common.LoadTransferConfig(),
		Negotiation: LoadNegotiationConfig(),
	}
}

// Node represents a FuryDrop peer. It wires the signaling client, the
// transport factory and the chunker into senders and receivers.
type Node struct {
	logger   *zap.Logger
	signaler signal.Signaler
	factory  TransportFactory
	chunker  *file.Chunker
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewNode creates a new Node instance
func NewNode(logger *zap.Logger, signaler signal.Signaler, factory TransportFactory, chunker *file.Chunker, config Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		logger:   logger,
		signaler: signaler,
		factory:  factory,
		chunker:  chunker,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// transferContext ends when either ctx or the node ends
func (n *Node) transferContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// SendFile hosts roomID and sends the file at path to the guest. onHash
// reports manifest building progress, onProgress transfer progress.
func (n *Node) SendFile(ctx context.Context, roomID, path string, onHash file.ProgressFunc, onProgress ProgressFunc) (file.TransferStats, error) {
	n.wg.Add(1)
	defer n.wg.Done()

	ctx, cancel := n.transferContext(ctx)
	defer cancel()

	manifest, err := n.chunker.ChunkFile(path, onHash)
	if err != nil {
		return file.TransferStats{}, err
	}

	src, err := os.Open(path)
	if err != nil {
		return file.TransferStats{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer src.Close()

	transport, err := n.factory.CreateTransport(true)
	if err != nil {
		return file.TransferStats{}, err
	}

	negotiator := NewNegotiator(n.logger, n.signaler, transport, roomID, RoleInitiator, n.config.Negotiation)
	sender := NewSender(n.logger, n.config.Transfer, manifest, src, transport, negotiator, onProgress)
	defer sender.Close()

	n.logger.Info("Waiting for receiver",
		zap.String("room_id", roomID),
		zap.String("file_name", manifest.FileName),
		zap.Int64("file_size", manifest.FileSize))

	if err := sender.Connect(ctx); err != nil {
		return sender.Stats(), err
	}
	if err := sender.Send(ctx); err != nil {
		return sender.Stats(), err
	}
	if err := sender.Flush(ctx); err != nil {
		n.logger.Warn("Channel not drained before close", zap.Error(err))
	}

	return sender.Stats(), nil
}

// ReceiveFile joins roomID as the guest and writes the received file to w
func (n *Node) ReceiveFile(ctx context.Context, roomID string, w io.Writer, onProgress ProgressFunc) (*file.Manifest, file.TransferStats, error) {
	n.wg.Add(1)
	defer n.wg.Done()

	ctx, cancel := n.transferContext(ctx)
	defer cancel()

	transport, err := n.factory.CreateTransport(false)
	if err != nil {
		return nil, file.TransferStats{}, err
	}

	negotiator := NewNegotiator(n.logger, n.signaler, transport, roomID, RoleResponder, n.config.Negotiation)
	receiver := NewReceiver(n.logger, n.config.Transfer, transport, negotiator, onProgress)
	defer receiver.Close()

	n.logger.Info("Joining room", zap.String("room_id", roomID))

	if err := receiver.Connect(ctx); err != nil {
		return nil, receiver.Stats(), err
	}

	manifest, err := receiver.WaitForCompletion(ctx, w)
	if err != nil {
		return nil, receiver.Stats(), err
	}

	return manifest, receiver.Stats(), nil
}

// ReceiveToStorage receives a file into the storage manager's files
// directory and returns the saved path
func (n *Node) ReceiveToStorage(ctx context.Context, roomID string, storage *file.StorageManager, onProgress ProgressFunc) (string, file.TransferStats, error) {
	out, err := storage.CreateOutput()
	if err != nil {
		return "", file.TransferStats{}, err
	}
	tmpPath := out.Name()

	manifest, stats, err := n.ReceiveFile(ctx, roomID, out, onProgress)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close output: %w", closeErr)
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", stats, err
	}

	path, err := storage.CommitOutput(tmpPath, manifest)
	switch {
	case err != nil && path == "":
		os.Remove(tmpPath)
		return "", stats, err
	case err != nil:
		// The file is in place; only the manifest record is missing
		n.logger.Warn("Failed to record manifest", zap.Error(err))
	}

	n.logger.Info("File saved", zap.String("path", path), zap.String("file_id", manifest.FileID))
	return path, stats, nil
}

// Stop cancels every running transfer and waits for them to return
func (n *Node) Stop() {
	n.logger.Info("Stopping node")
	n.cancel()
	n.Wait()
}

// Wait waits for running transfers to return
func (n *Node) Wait() {
	n.wg.Wait()
	n.logger.Info("Node stopped")
}

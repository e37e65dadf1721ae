package node

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/common"
	"github.com/TFMV/furydrop/file"
)

func TestLoadConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("transfer.high_water_mark", 1024)
	viper.Set("negotiation.poll_interval", "250ms")
	viper.Set("negotiation.max_polls", 40)
	viper.Set("negotiation.check_room", false)

	config := LoadConfig()
	assert.Equal(t, uint64(1024), config.Transfer.HighWaterMark)
	assert.Equal(t, common.DefaultTransferConfig().RetryInterval, config.Transfer.RetryInterval)
	assert.Equal(t, 250*time.Millisecond, config.Negotiation.PollInterval)
	assert.Equal(t, 40, config.Negotiation.MaxPolls)
	assert.False(t, config.Negotiation.CheckRoom)
	assert.Equal(t, time.Duration(0), config.Negotiation.Timeout)

	defaults := DefaultConfig()
	assert.Equal(t, time.Second, defaults.Negotiation.PollInterval)
	assert.True(t, defaults.Negotiation.CheckRoom)
}

func TestNode(t *testing.T) {
	// Create a logger
	logger, _ := zap.NewDevelopment()

	// Create a temporary directory for testing
	tempDir, err := os.MkdirTemp("", "node-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	data := randomData(t, 3*1024+7)
	srcPath := filepath.Join(tempDir, "report.bin")
	require.NoError(t, os.WriteFile(srcPath, data, 0644))

	config := Config{
		Transfer:    testTransferConfig(),
		Negotiation: testNegotiationConfig(),
	}

	t.Run("SendAndReceive", func(t *testing.T) {
		client, roomID := newTestRelay(t)
		host, guest := newFakePair()
		factory := &fakeFactory{host: host, guest: guest}

		storage, err := file.NewStorageManager(logger, file.StorageConfig{BaseDir: filepath.Join(tempDir, "store")})
		require.NoError(t, err)

		sender := NewNode(logger, client, factory, file.NewChunker(logger, 1024), config)
		receiver := NewNode(logger, client, factory, file.NewChunker(logger, 1024), config)

		var wg sync.WaitGroup
		var sendStats file.TransferStats
		var sendErr error
		var hashReports []float64
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendStats, sendErr = sender.SendFile(context.Background(), roomID, srcPath, func(pct float64) {
				hashReports = append(hashReports, pct)
			}, nil)
		}()

		var mu sync.Mutex
		var lastProgress file.TransferStats
		path, recvStats, err := receiver.ReceiveToStorage(context.Background(), roomID, storage, func(s file.TransferStats) {
			mu.Lock()
			lastProgress = s
			mu.Unlock()
		})
		wg.Wait()

		require.NoError(t, sendErr)
		require.NoError(t, err)

		assert.Equal(t, common.TransferStateComplete, sendStats.State)
		assert.Equal(t, common.TransferStateComplete, recvStats.State)
		assert.Equal(t, int64(len(data)), recvStats.BytesTransferred)
		assert.Equal(t, 4, recvStats.ChunksTransferred)
		assert.NotEmpty(t, hashReports)

		mu.Lock()
		assert.Equal(t, 100.0, lastProgress.Percent())
		mu.Unlock()

		assert.Equal(t, filepath.Join(storage.FilesDir(), "report.bin"), path)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "received file differs from source")

		manifests := storage.ListManifests()
		require.Len(t, manifests, 1)
		assert.Equal(t, "report.bin", manifests[0].FileName)

		assert.True(t, host.closed.Load())
		assert.True(t, guest.closed.Load())

		// No leftover partial files
		leftovers, err := filepath.Glob(filepath.Join(storage.FilesDir(), ".furydrop-*.part"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("MissingFile", func(t *testing.T) {
		client, roomID := newTestRelay(t)
		host, guest := newFakePair()
		n := NewNode(logger, client, &fakeFactory{host: host, guest: guest}, file.NewChunker(logger, 1024), config)

		_, err := n.SendFile(context.Background(), roomID, filepath.Join(tempDir, "nope.bin"), nil, nil)
		assert.Error(t, err)
	})

	t.Run("StopCancelsReceive", func(t *testing.T) {
		client, roomID := newTestRelay(t)
		host, guest := newFakePair()

		stopConfig := config
		stopConfig.Negotiation.Timeout = 0
		n := NewNode(logger, client, &fakeFactory{host: host, guest: guest}, file.NewChunker(logger, 1024), stopConfig)

		storage, err := file.NewStorageManager(logger, file.StorageConfig{BaseDir: filepath.Join(tempDir, "stopped")})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, _, err := n.ReceiveToStorage(context.Background(), roomID, storage, nil)
			done <- err
		}()

		time.Sleep(30 * time.Millisecond)
		n.Stop()

		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("ReceiveToStorage did not return after Stop")
		}

		leftovers, err := filepath.Glob(filepath.Join(storage.FilesDir(), ".furydrop-*.part"))
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})
}

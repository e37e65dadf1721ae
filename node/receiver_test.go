package node

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TFMV/furydrop/common"
	"github.com/TFMV/furydrop/crypto"
	"github.com/TFMV/furydrop/file"
)

func newTestReceiver(t *testing.T, onProgress ProgressFunc) (*Receiver, *fakeTransport) {
	t.Helper()
	_, guest := newFakePair()
	return NewReceiver(zap.NewNop(), testTransferConfig(), guest, nil, onProgress), guest
}

func manifestMessage(t *testing.T, manifest *file.Manifest) []byte {
	t.Helper()
	data, err := manifest.Marshal()
	require.NoError(t, err)
	return data
}

func chunkPacket(data []byte, manifest *file.Manifest, index int) []byte {
	c := manifest.Chunks[index]
	return file.EncodePacket(c.Index, data[c.Offset:c.Offset+int64(c.Size)])
}

func waitForCompletion(t *testing.T, r *Receiver) (*file.Manifest, []byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out bytes.Buffer
	manifest, err := r.WaitForCompletion(ctx, &out)
	return manifest, out.Bytes(), err
}

func TestReceiverDiscardsBeforeManifest(t *testing.T) {
	data := []byte("abcdefghij")
	manifest := newTestManifest(t, data, 4)
	r, _ := newTestReceiver(t, nil)

	r.HandleMessage(chunkPacket(data, manifest, 0))
	r.HandleMessage([]byte(`{"fileId":"x"}`))

	assert.Nil(t, r.Manifest())
	assert.Equal(t, 2, r.Stats().DiscardedChunks)
	assert.Equal(t, common.TransferStateIdle, r.State())

	r.HandleMessage(manifestMessage(t, manifest))
	require.NotNil(t, r.Manifest())
	assert.Equal(t, manifest.FileID, r.Manifest().FileID)
	assert.Equal(t, common.TransferStateReceiving, r.State())
}

func TestReceiverOutOfOrder(t *testing.T) {
	data := []byte("abcdefghij")
	manifest := newTestManifest(t, data, 4)

	var mu sync.Mutex
	var progress []file.TransferStats
	r, _ := newTestReceiver(t, func(s file.TransferStats) {
		mu.Lock()
		progress = append(progress, s)
		mu.Unlock()
	})

	r.HandleMessage(manifestMessage(t, manifest))
	r.HandleMessage(chunkPacket(data, manifest, 2))
	r.HandleMessage(chunkPacket(data, manifest, 0))
	r.HandleMessage(chunkPacket(data, manifest, 0))
	r.HandleMessage(chunkPacket(data, manifest, 1))

	got, out, err := waitForCompletion(t, r)
	require.NoError(t, err)
	assert.Equal(t, manifest.FileID, got.FileID)
	assert.Equal(t, data, out)

	stats := r.Stats()
	assert.Equal(t, common.TransferStateComplete, stats.State)
	assert.Equal(t, 3, stats.ChunksTransferred)
	assert.Equal(t, int64(len(data)), stats.BytesTransferred)
	assert.Equal(t, 0, stats.DiscardedChunks)

	// One report for the manifest, one per distinct chunk
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, progress, 4)
}

func TestReceiverDiscardsInvalidPackets(t *testing.T) {
	data := []byte("abcdefghij")
	manifest := newTestManifest(t, data, 4)
	r, _ := newTestReceiver(t, nil)
	r.HandleMessage(manifestMessage(t, manifest))

	corrupted := chunkPacket(data, manifest, 1)
	corrupted[len(corrupted)-1] ^= 0xff

	truncated := chunkPacket(data, manifest, 0)
	truncated = truncated[:len(truncated)-1]

	tests := []struct {
		name   string
		packet []byte
	}{
		{"ShortPacket", []byte{0, 0, 0}},
		{"SizeMismatch", truncated},
		{"IndexOutOfRange", file.EncodePacket(3, []byte("zz"))},
		{"HashMismatch", corrupted},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.HandleMessage(tt.packet)
			assert.Equal(t, i+1, r.Stats().DiscardedChunks)
			assert.Equal(t, 0, r.Stats().ChunksTransferred)
		})
	}

	// Valid packets still complete the file afterwards
	for i := range manifest.Chunks {
		r.HandleMessage(chunkPacket(data, manifest, i))
	}
	_, out, err := waitForCompletion(t, r)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestReceiverIntegrity(t *testing.T) {
	data := []byte("abcdefghij")
	manifest := newTestManifest(t, data, 4)
	manifest.FileID = crypto.Digest([]byte("something else"))

	t.Run("Verified", func(t *testing.T) {
		r, _ := newTestReceiver(t, nil)
		r.HandleMessage(manifestMessage(t, manifest))
		for i := range manifest.Chunks {
			r.HandleMessage(chunkPacket(data, manifest, i))
		}

		_, _, err := waitForCompletion(t, r)
		assert.True(t, errors.Is(err, ErrFileIntegrity), "got %v", err)
		assert.Equal(t, common.TransferStateFailed, r.State())
	})

	t.Run("VerificationDisabled", func(t *testing.T) {
		_, guest := newFakePair()
		config := testTransferConfig()
		config.VerifyFileID = false

		r := NewReceiver(zap.NewNop(), config, guest, nil, nil)
		r.HandleMessage(manifestMessage(t, manifest))
		for i := range manifest.Chunks {
			r.HandleMessage(chunkPacket(data, manifest, i))
		}

		_, out, err := waitForCompletion(t, r)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})
}

func TestReceiverChunkHashScheme(t *testing.T) {
	data := randomData(t, 5000)

	chunker := file.NewChunker(zap.NewNop(), 1024)
	chunker.SetFileIDThreshold(100)
	manifest, err := chunker.BuildManifest(bytes.NewReader(data), int64(len(data)), "big.bin", "", nil)
	require.NoError(t, err)
	require.Equal(t, file.FileIDSchemeChunkHashes, manifest.FileIDScheme)

	r, _ := newTestReceiver(t, nil)
	r.HandleMessage(manifestMessage(t, manifest))
	for i := len(manifest.Chunks) - 1; i >= 0; i-- {
		r.HandleMessage(chunkPacket(data, manifest, i))
	}

	_, out, err := waitForCompletion(t, r)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestReceiverEmptyFile(t *testing.T) {
	manifest := newTestManifest(t, nil, 1024)
	r, _ := newTestReceiver(t, nil)
	r.HandleMessage(manifestMessage(t, manifest))

	got, out, err := waitForCompletion(t, r)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.FileSize)
	assert.Empty(t, out)
	assert.Equal(t, 100.0, r.Stats().Percent())
}

func TestReceiverWaitCancelled(t *testing.T) {
	data := []byte("abcdefghij")
	manifest := newTestManifest(t, data, 4)
	r, _ := newTestReceiver(t, nil)
	r.HandleMessage(manifestMessage(t, manifest))
	r.HandleMessage(chunkPacket(data, manifest, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.WaitForCompletion(ctx, &bytes.Buffer{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, common.TransferStateFailed, r.State())
}

func TestReceiverAbort(t *testing.T) {
	r, guest := newTestReceiver(t, nil)
	time.AfterFunc(20*time.Millisecond, r.Abort)

	_, _, err := waitForCompletion(t, r)
	assert.True(t, errors.Is(err, ErrAborted), "got %v", err)
	assert.Equal(t, common.TransferStateCancelled, r.State())

	// Messages after abort are ignored
	r.HandleMessage([]byte("junk"))
	assert.Equal(t, 0, r.Stats().DiscardedChunks)

	require.NoError(t, r.Close())
	assert.True(t, guest.closed.Load())
}

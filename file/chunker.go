package file

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/TFMV/furydrop/crypto"
)

// ProgressFunc receives the fraction of a file hashed so far, in percent
type ProgressFunc func(pct float64)

// Chunker splits files into verifiable chunk manifests
type Chunker struct {
	logger          *zap.Logger
	chunkSize       int
	fileIDThreshold int64
	mu              sync.RWMutex
	manifests       map[string]*Manifest // Map of fileID to manifest
}

// NewChunker creates a new Chunker instance
func NewChunker(logger *zap.Logger, chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Chunker{
		logger:          logger,
		chunkSize:       chunkSize,
		fileIDThreshold: FileIDContentThreshold,
		manifests:       make(map[string]*Manifest),
	}
}

// SetFileIDThreshold changes the size at which file IDs switch from
// full-content hashing to hashing the chunk digests
func (c *Chunker) SetFileIDThreshold(threshold int64) {
	c.fileIDThreshold = threshold
}

// ChunkSize returns the nominal chunk size
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// ChunkFile builds a manifest for the file at filePath
func (c *Chunker) ChunkFile(filePath string, progress ProgressFunc) (*Manifest, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	fileInfo, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	mimeType, err := DetectMimeType(f, filePath)
	if err != nil {
		return nil, err
	}

	return c.BuildManifest(f, fileInfo.Size(), filepath.Base(filePath), mimeType, progress)
}

// BuildManifest reads src in chunk-sized ranges, hashes each range and derives
// the file ID. Either the complete manifest or an error is returned.
func (c *Chunker) BuildManifest(src io.ReaderAt, fileSize int64, fileName, mimeType string, progress ProgressFunc) (*Manifest, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("invalid file size %d", fileSize)
	}
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	chunkSize := int64(c.chunkSize)
	totalChunks := int((fileSize + chunkSize - 1) / chunkSize)
	scheme := SchemeForSize(fileSize, c.fileIDThreshold)

	manifest := &Manifest{
		FileIDScheme: scheme,
		FileName:     fileName,
		FileSize:     fileSize,
		MimeType:     mimeType,
		ChunkSize:    c.chunkSize,
		TotalChunks:  totalChunks,
		Chunks:       make([]ChunkMeta, totalChunks),
	}

	// Single pass: the file ID hasher sees each chunk as it is read
	idHasher := NewFileIDHasher(scheme)
	buffer := make([]byte, c.chunkSize)

	for i := 0; i < totalChunks; i++ {
		offset := int64(i) * chunkSize
		size := chunkSize
		if offset+size > fileSize {
			size = fileSize - offset
		}

		data := buffer[:size]
		if err := readFull(src, data, offset); err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}

		hash := crypto.Digest(data)
		manifest.Chunks[i] = ChunkMeta{
			Index:  uint32(i),
			Hash:   hash,
			Size:   int(size),
			Offset: offset,
		}
		idHasher.Add(data, hash)

		if progress != nil {
			progress(float64(i+1) / float64(totalChunks) * 100)
		}
	}

	if totalChunks == 0 && progress != nil {
		progress(100)
	}

	manifest.FileID = idHasher.Sum()

	c.mu.Lock()
	c.manifests[manifest.FileID] = manifest
	c.mu.Unlock()

	c.logger.Info("Manifest built",
		zap.String("file_id", manifest.FileID),
		zap.String("file_name", manifest.FileName),
		zap.Int64("file_size", manifest.FileSize),
		zap.Int("total_chunks", manifest.TotalChunks),
		zap.String("file_id_scheme", string(scheme)))

	return manifest, nil
}

// ReadChunk reads the exact byte range described by chunk
func ReadChunk(src io.ReaderAt, chunk ChunkMeta) ([]byte, error) {
	data := make([]byte, chunk.Size)
	if err := readFull(src, data, chunk.Offset); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", chunk.Index, err)
	}
	return data, nil
}

func readFull(src io.ReaderAt, buf []byte, offset int64) error {
	n, err := src.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// DetectMimeType guesses the MIME type from the file extension, falling back
// to sniffing the first bytes of content
func DetectMimeType(src io.ReaderAt, filePath string) (string, error) {
	if byExt := mime.TypeByExtension(filepath.Ext(filePath)); byExt != "" {
		return byExt, nil
	}

	head := make([]byte, 512)
	n, err := src.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read file header: %w", err)
	}
	if n == 0 {
		return DefaultMimeType, nil
	}
	return http.DetectContentType(head[:n]), nil
}

// GetManifest returns a manifest built by this chunker
func (c *Chunker) GetManifest(fileID string) (*Manifest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	manifest, exists := c.manifests[fileID]
	if !exists {
		return nil, fmt.Errorf("file with ID %s not found", fileID)
	}

	return manifest, nil
}

// ListManifests returns all manifests built by this chunker
func (c *Chunker) ListManifests() []*Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	manifests := make([]*Manifest, 0, len(c.manifests))
	for _, m := range c.manifests {
		manifests = append(manifests, m)
	}

	return manifests
}

// DeleteManifest forgets a manifest
func (c *Chunker) DeleteManifest(fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	manifest, exists := c.manifests[fileID]
	if !exists {
		return fmt.Errorf("file with ID %s not found", fileID)
	}
	delete(c.manifests, fileID)

	c.logger.Debug("Manifest deleted",
		zap.String("file_id", fileID),
		zap.String("file_name", manifest.FileName))

	return nil
}

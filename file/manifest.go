package file

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TFMV/furydrop/crypto"
)

const (
	// DefaultChunkSize is the default size of each chunk in bytes (256KiB)
	DefaultChunkSize = 256 * 1024
	// FileIDContentThreshold is the file size below which the file ID is the
	// digest of the full content
	FileIDContentThreshold int64 = 500 * 1024 * 1024
	// DefaultMimeType is used when the type of a file cannot be determined
	DefaultMimeType = "application/octet-stream"
)

// FileIDScheme names the construction used to derive a manifest's file ID
type FileIDScheme string

const (
	// FileIDSchemeContent hashes the full file content
	FileIDSchemeContent FileIDScheme = "content"
	// FileIDSchemeChunkHashes hashes the concatenated hex chunk digests
	FileIDSchemeChunkHashes FileIDScheme = "chunk-hashes"
)

// SchemeForSize returns the file ID construction used for a file of size bytes
func SchemeForSize(size, threshold int64) FileIDScheme {
	if size < threshold {
		return FileIDSchemeContent
	}
	return FileIDSchemeChunkHashes
}

// ErrInvalidManifest is returned when a manifest violates its structural invariants
var ErrInvalidManifest = errors.New("invalid manifest")

// ChunkMeta describes one contiguous byte range of a file
type ChunkMeta struct {
	Index  uint32 `json:"index"`
	Hash   string `json:"hash"`
	Size   int    `json:"size"`
	Offset int64  `json:"offset"`
}

// Manifest describes how a file was split into verifiable chunks. It is the
// first message written on the data channel.
type Manifest struct {
	FileID       string       `json:"fileId"`
	FileIDScheme FileIDScheme `json:"fileIdScheme,omitempty"`
	FileName     string       `json:"fileName"`
	FileSize     int64        `json:"fileSize"`
	MimeType     string       `json:"mimeType"`
	ChunkSize    int          `json:"chunkSize"`
	TotalChunks  int          `json:"totalChunks"`
	Chunks       []ChunkMeta  `json:"chunks"`
}

// Validate checks that the chunks partition [0, FileSize) exactly
func (m *Manifest) Validate() error {
	if m.FileID == "" {
		return fmt.Errorf("%w: missing file id", ErrInvalidManifest)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: negative file size %d", ErrInvalidManifest, m.FileSize)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidManifest, m.ChunkSize)
	}
	if len(m.Chunks) != m.TotalChunks {
		return fmt.Errorf("%w: %d chunks listed, %d declared", ErrInvalidManifest, len(m.Chunks), m.TotalChunks)
	}

	var offset int64
	for i, c := range m.Chunks {
		if int(c.Index) != i {
			return fmt.Errorf("%w: chunk %d has index %d", ErrInvalidManifest, i, c.Index)
		}
		if c.Offset != offset {
			return fmt.Errorf("%w: chunk %d starts at %d, want %d", ErrInvalidManifest, i, c.Offset, offset)
		}
		if c.Size <= 0 || c.Size > m.ChunkSize {
			return fmt.Errorf("%w: chunk %d has size %d", ErrInvalidManifest, i, c.Size)
		}
		// only the last chunk may be short
		if i < len(m.Chunks)-1 && c.Size != m.ChunkSize {
			return fmt.Errorf("%w: chunk %d has size %d, want %d", ErrInvalidManifest, i, c.Size, m.ChunkSize)
		}
		if !crypto.IsDigest(c.Hash) {
			return fmt.Errorf("%w: chunk %d has malformed hash", ErrInvalidManifest, i)
		}
		offset += int64(c.Size)
	}

	if offset != m.FileSize {
		return fmt.Errorf("%w: chunks cover %d bytes, file has %d", ErrInvalidManifest, offset, m.FileSize)
	}

	switch m.FileIDScheme {
	case "", FileIDSchemeContent, FileIDSchemeChunkHashes:
	default:
		return fmt.Errorf("%w: unknown file id scheme %q", ErrInvalidManifest, m.FileIDScheme)
	}

	return nil
}

// Scheme returns the file ID construction, falling back to the size rule for
// manifests that do not carry one
func (m *Manifest) Scheme() FileIDScheme {
	if m.FileIDScheme != "" {
		return m.FileIDScheme
	}
	return SchemeForSize(m.FileSize, FileIDContentThreshold)
}

// Marshal encodes the manifest for the wire
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseManifest decodes and validates a manifest received from a peer
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FileIDHasher recomputes a manifest file ID chunk by chunk
type FileIDHasher struct {
	scheme FileIDScheme
	d      *crypto.Digester
}

// NewFileIDHasher creates a hasher for the given scheme
func NewFileIDHasher(scheme FileIDScheme) *FileIDHasher {
	return &FileIDHasher{scheme: scheme, d: crypto.NewDigester()}
}

// Add feeds the next chunk in index order along with its digest
func (h *FileIDHasher) Add(data []byte, hash string) {
	if h.scheme == FileIDSchemeChunkHashes {
		h.d.Write([]byte(hash))
		return
	}
	h.d.Write(data)
}

// Sum returns the file ID
func (h *FileIDHasher) Sum() string {
	return h.d.Sum()
}

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
)

const (
	// DigestSize is the length of a hex-encoded chunk digest
	DigestSize = sha256.Size * 2
	// RoomIDBytes is the amount of randomness behind a room identifier
	RoomIDBytes = 15
)

// Digest returns the lowercase hex SHA-256 of data
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data hashes to expected
func Verify(data []byte, expected string) bool {
	return Digest(data) == expected
}

// IsDigest reports whether s looks like a value produced by Digest
func IsDigest(s string) bool {
	if len(s) != DigestSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Digester hashes a stream incrementally. Its Sum matches Digest over the
// concatenation of everything written.
type Digester struct {
	h hash.Hash
}

// NewDigester creates a new Digester
func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

// Write adds p to the running hash
func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the hex digest of everything written so far
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// NewRoomID generates an unguessable, URL-safe room identifier
func NewRoomID() (string, error) {
	buf := make([]byte, RoomIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate room id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

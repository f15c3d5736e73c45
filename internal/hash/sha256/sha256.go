// Package sha256 provides the content hasher used to name downloaded files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a SHA-256 hasher. A positive length truncates the hex digest,
// which keeps generated filenames short; 0 keeps all 64 characters.
func New(length int) *Hasher {
	if length <= 0 || length > sha256.Size*2 {
		length = sha256.Size * 2
	}
	return &Hasher{length: length}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}

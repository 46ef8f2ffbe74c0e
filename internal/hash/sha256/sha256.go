// Package sha256 derives stable hex digests for cache keys and archive object names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Hex(data), nil
}

// Hex returns the lowercase hex SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String is Hex for strings such as URLs and cache keys.
func String(s string) string {
	return Hex([]byte(s))
}

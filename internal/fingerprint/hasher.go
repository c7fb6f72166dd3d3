package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests raw bytes, such as fetched page bodies for archive keys.
type Hasher struct{}

// NewHasher returns a SHA-256 hasher.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

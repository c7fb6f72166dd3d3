// Package id generates run identifiers.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator hands out unique run IDs.
type Generator interface {
	NewID() string
}

// UUIDv7 produces time-ordered UUIDs so run IDs sort by start time.
type UUIDv7 struct{}

// NewID returns a UUIDv7 string, falling back to a random UUID if the clock
// sequence cannot be read.
func (UUIDv7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequence returns prefix-1, prefix-2, ... and is meant for tests.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "run"
	}
	return fmt.Sprintf("%s-%d", prefix, s.n.Add(1))
}

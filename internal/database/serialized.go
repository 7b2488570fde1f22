package database

import (
	"context"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

// Serialized wraps a registry so that the read-then-insert sequence of
// MatchOrRegister runs under a registry-wide mutex. Without it two workers
// seeing the same person for the first time both get a miss.
type Serialized struct {
	Registry
	mu sync.Mutex
}

// NewSerialized wraps reg.
func NewSerialized(reg Registry) *Serialized {
	return &Serialized{Registry: reg}
}

// MatchOrRegister holds the match lock for the full scan and insert.
func (s *Serialized) MatchOrRegister(ctx context.Context, enc facematch.Encoding) (MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.MatchOrRegister(ctx, enc)
}

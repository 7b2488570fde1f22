// Package mock provides a registry with error injection and call tracking
// for testing code that depends on database.Registry.
package mock

import (
	"context"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/memory"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// Operation names used for Fail and Calls.
const (
	OpFindFile         = "FindFile"
	OpAddFile          = "AddFile"
	OpAddLocation      = "AddLocation"
	OpAddEncoding      = "AddEncoding"
	OpAddFace          = "AddFace"
	OpMatchOrRegister  = "MatchOrRegister"
	OpGetEncoding      = "GetEncoding"
	OpLocateSimilar    = "LocateSimilar"
	OpLocateDissimilar = "LocateDissimilar"
	OpStats            = "Stats"
)

// Registry is a memory registry that can be told to fail. Queued failures
// are consumed one per call before the real operation runs.
type Registry struct {
	*memory.Registry

	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	closed   bool

	// BeforeAddFile runs before every AddFile, outside the mock's lock.
	// Tests use it to let a competing writer win the insert race.
	BeforeAddFile func(hash fingerprint.Hash)
}

// NewRegistry creates an empty mock registry with the given match threshold.
func NewRegistry(threshold float64) *Registry {
	return &Registry{
		Registry: memory.New(memory.Options{Threshold: threshold}),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Fail queues err to be returned by the next times calls of op.
func (m *Registry) Fail(op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range times {
		m.failures[op] = append(m.failures[op], err)
	}
}

// Calls returns how many times op was invoked, failures included.
func (m *Registry) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Closed reports whether Close was called.
func (m *Registry) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Registry) enter(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	return queue[0]
}

func (m *Registry) FindFile(ctx context.Context, hash fingerprint.Hash) (*database.SourceFile, error) {
	if err := m.enter(OpFindFile); err != nil {
		return nil, err
	}
	return m.Registry.FindFile(ctx, hash)
}

func (m *Registry) AddFile(ctx context.Context, hash fingerprint.Hash, path string) (int64, error) {
	if err := m.enter(OpAddFile); err != nil {
		return 0, err
	}
	if m.BeforeAddFile != nil {
		m.BeforeAddFile(hash)
	}
	return m.Registry.AddFile(ctx, hash, path)
}

func (m *Registry) AddLocation(ctx context.Context, rect facematch.Rect) (int64, error) {
	if err := m.enter(OpAddLocation); err != nil {
		return 0, err
	}
	return m.Registry.AddLocation(ctx, rect)
}

func (m *Registry) AddEncoding(ctx context.Context, enc facematch.Encoding) (int64, error) {
	if err := m.enter(OpAddEncoding); err != nil {
		return 0, err
	}
	return m.Registry.AddEncoding(ctx, enc)
}

func (m *Registry) AddFace(ctx context.Context, fileID, locationID, encodingID int64) (int64, error) {
	if err := m.enter(OpAddFace); err != nil {
		return 0, err
	}
	return m.Registry.AddFace(ctx, fileID, locationID, encodingID)
}

func (m *Registry) MatchOrRegister(ctx context.Context, enc facematch.Encoding) (database.MatchResult, error) {
	if err := m.enter(OpMatchOrRegister); err != nil {
		return database.MatchResult{}, err
	}
	return m.Registry.MatchOrRegister(ctx, enc)
}

func (m *Registry) GetEncoding(ctx context.Context, id int64) (*database.StoredEncoding, error) {
	if err := m.enter(OpGetEncoding); err != nil {
		return nil, err
	}
	return m.Registry.GetEncoding(ctx, id)
}

func (m *Registry) LocateSimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	if err := m.enter(OpLocateSimilar); err != nil {
		return nil, err
	}
	return m.Registry.LocateSimilar(ctx, encodingID, limit)
}

func (m *Registry) LocateDissimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	if err := m.enter(OpLocateDissimilar); err != nil {
		return nil, err
	}
	return m.Registry.LocateDissimilar(ctx, encodingID, limit)
}

func (m *Registry) Stats(ctx context.Context) (database.Stats, error) {
	if err := m.enter(OpStats); err != nil {
		return database.Stats{}, err
	}
	return m.Registry.Stats(ctx)
}

func (m *Registry) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Registry.Close()
}

var _ database.Registry = (*Registry)(nil)

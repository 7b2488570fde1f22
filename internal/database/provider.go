package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/face-recognizer/internal/config"
)

// OpenFunc opens a registry backend from configuration.
type OpenFunc func(ctx context.Context, cfg *config.RegistryConfig) (Registry, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]OpenFunc)
)

// RegisterBackend registers a registry backend constructor under name.
// This is called by the backend packages from init to avoid import cycles.
func RegisterBackend(name string, open OpenFunc) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, exists := backends[name]; exists {
		panic("registry backend registered twice: " + name)
	}
	backends[name] = open
}

// Backends returns the sorted names of all registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend selected by cfg.Backend. Migrations run as part of
// opening, so any error here is a startup failure.
func Open(ctx context.Context, cfg *config.RegistryConfig) (Registry, error) {
	backendsMu.RLock()
	open, ok := backends[cfg.Backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownBackend, cfg.Backend, Backends())
	}

	reg, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", cfg.Backend, err)
	}

	if cfg.SerializeMatch {
		reg = NewSerialized(reg)
	}
	return reg, nil
}

package database_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/dbtest"
	_ "github.com/kozaktomas/face-recognizer/internal/database/memory"
	"github.com/kozaktomas/face-recognizer/internal/database/mock"
)

func TestOpenUnknownBackend(t *testing.T) {
	_, err := database.Open(context.Background(), &config.RegistryConfig{Backend: "cassandra"})
	if !errors.Is(err, database.ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestOpenMemoryBackend(t *testing.T) {
	reg, err := database.Open(context.Background(), &config.RegistryConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	if _, ok := reg.(*database.Serialized); ok {
		t.Error("registry should not be serialized unless configured")
	}
	if !slices.Contains(database.Backends(), "memory") {
		t.Errorf("memory missing from %v", database.Backends())
	}
}

func TestOpenSerialized(t *testing.T) {
	reg, err := database.Open(context.Background(), &config.RegistryConfig{
		Backend:        "memory",
		SerializeMatch: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	if _, ok := reg.(*database.Serialized); !ok {
		t.Errorf("expected *database.Serialized, got %T", reg)
	}
}

func TestRegisterBackendTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	database.RegisterBackend("memory", nil)
}

func TestSerializedMatchOrRegister(t *testing.T) {
	reg := database.NewSerialized(mock.NewRegistry(dbtest.Threshold))
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make([]database.MatchResult, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = reg.MatchOrRegister(ctx, dbtest.Offset(2))
		}()
	}
	wg.Wait()

	unmatched := 0
	for _, r := range results {
		if !r.Matched {
			unmatched++
		}
	}
	if unmatched != 1 {
		t.Errorf("expected exactly one new identity, got %d", unmatched)
	}
}

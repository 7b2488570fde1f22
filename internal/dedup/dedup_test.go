package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/database/dbtest"
	"github.com/kozaktomas/face-recognizer/internal/database/mock"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	reg := mock.NewRegistry(0)
	gate := NewGate(reg)
	hash := dbtest.HashOf(1)

	first, err := gate.Check(ctx, hash, "/a.jpg", false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if first.Skip || first.Existing || first.FileID == 0 {
		t.Fatalf("new content should be registered, got %+v", first)
	}

	second, err := gate.Check(ctx, hash, "/copy.jpg", false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !second.Skip || !second.Existing {
		t.Errorf("seen content should be skipped, got %+v", second)
	}

	forced, err := gate.Check(ctx, hash, "/copy.jpg", true)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if forced.Skip || !forced.Existing || forced.FileID != first.FileID {
		t.Errorf("force should reuse row %d, got %+v", first.FileID, forced)
	}

	stats, _ := reg.Stats(ctx)
	if stats.Files != 1 {
		t.Errorf("force must not create a second row, got %d files", stats.Files)
	}
}

func TestCheckDuplicateRace(t *testing.T) {
	tests := []struct {
		name     string
		force    bool
		wantSkip bool
	}{
		{"loser skips", false, true},
		{"forced loser reuses winner", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			reg := mock.NewRegistry(0)
			hash := dbtest.HashOf(2)

			// A competing task inserts between our FindFile and AddFile.
			var winnerID int64
			reg.BeforeAddFile = func(h fingerprint.Hash) {
				reg.BeforeAddFile = nil
				id, err := reg.Registry.AddFile(ctx, h, "/winner.jpg")
				if err != nil {
					t.Errorf("competing insert: %v", err)
				}
				winnerID = id
			}

			d, err := NewGate(reg).Check(ctx, hash, "/loser.jpg", tt.force)
			if err != nil {
				t.Fatalf("race must be resolved, got %v", err)
			}
			if d.Skip != tt.wantSkip || !d.Existing {
				t.Errorf("unexpected decision %+v", d)
			}
			if tt.force && d.FileID != winnerID {
				t.Errorf("expected winner row %d, got %d", winnerID, d.FileID)
			}
			if reg.Calls(mock.OpFindFile) != 2 {
				t.Errorf("expected fallback FindFile, got %d calls", reg.Calls(mock.OpFindFile))
			}
		})
	}
}

func TestCheckConcurrent(t *testing.T) {
	ctx := context.Background()
	reg := mock.NewRegistry(0)
	gate := NewGate(reg)

	const workers = 16
	var wg sync.WaitGroup
	decisions := make([]Decision, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decisions[i], errs[i] = gate.Check(ctx, dbtest.HashOf(3), "/same.jpg", false)
		}()
	}
	wg.Wait()

	processed := 0
	for i, d := range decisions {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if !d.Skip {
			processed++
		}
	}
	if processed != 1 {
		t.Errorf("exactly one task should process the content, got %d", processed)
	}
	if stats, _ := reg.Stats(ctx); stats.Files != 1 {
		t.Errorf("expected 1 file row, got %d", stats.Files)
	}
}

func TestCheckStorageErrors(t *testing.T) {
	ctx := context.Background()
	boom := &database.StorageError{Op: "query", Err: errors.New("disk full")}

	reg := mock.NewRegistry(0)
	reg.Fail(mock.OpFindFile, boom, 1)
	if _, err := NewGate(reg).Check(ctx, dbtest.HashOf(4), "/a.jpg", false); !errors.Is(err, boom) {
		t.Errorf("expected FindFile error, got %v", err)
	}

	reg = mock.NewRegistry(0)
	reg.Fail(mock.OpAddFile, boom, 1)
	_, err := NewGate(reg).Check(ctx, dbtest.HashOf(4), "/a.jpg", false)
	if !database.IsRetryable(err) {
		t.Errorf("expected retryable storage error, got %v", err)
	}
}

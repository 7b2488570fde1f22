// Package dbtest holds the behavioral test suite every registry backend runs.
package dbtest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// Threshold is the match threshold backends must be opened with. Distances
// used by the suite are exactly representable in float32.
const Threshold = 0.75

// Factory opens a fresh, empty registry using the given match threshold.
type Factory func(t *testing.T, threshold float64) database.Registry

// Run executes the whole suite against registries produced by newRegistry.
func Run(t *testing.T, newRegistry Factory) {
	t.Helper()

	tests := []struct {
		name      string
		threshold float64
		fn        func(t *testing.T, reg database.Registry)
	}{
		{"FileDedup", Threshold, testFileDedup},
		{"ConcurrentAddFile", Threshold, testConcurrentAddFile},
		{"MatchOrRegister", Threshold, testMatchOrRegister},
		{"MatchBoundary", Threshold, testMatchBoundary},
		{"DefaultThresholdBoundary", constants.MatchThreshold, testDefaultThresholdBoundary},
		{"ConcurrentMatchOrRegister", Threshold, testConcurrentMatchOrRegister},
		{"EncodingRoundTrip", Threshold, testEncodingRoundTrip},
		{"LocateSimilar", Threshold, testLocateSimilar},
		{"LocateDissimilar", Threshold, testLocateDissimilar},
		{"FacesAndStats", Threshold, testFacesAndStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newRegistry(t, tt.threshold)
			t.Cleanup(func() { _ = reg.Close() })
			tt.fn(t, reg)
		})
	}
}

// HashOf returns a deterministic hash whose first byte is b.
func HashOf(b byte) fingerprint.Hash {
	var h fingerprint.Hash
	h[0] = b
	h[31] = ^b
	return h
}

// Offset returns an encoding with component 0 set to v and the rest zero,
// so its distance to the zero encoding is exactly |v|.
func Offset(v float32) facematch.Encoding {
	var e facematch.Encoding
	e[0] = v
	return e
}

func testFileDedup(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	got, err := reg.FindFile(ctx, HashOf(1))
	if err != nil {
		t.Fatalf("FindFile on empty registry: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown hash, got %+v", got)
	}

	id, err := reg.AddFile(ctx, HashOf(1), "/photos/a.jpg")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive file ID, got %d", id)
	}

	got, err = reg.FindFile(ctx, HashOf(1))
	if err != nil {
		t.Fatalf("FindFile: %v", err)
	}
	if got == nil {
		t.Fatal("expected file to be found")
	}
	if got.ID != id || got.Hash != HashOf(1) || got.Path != "/photos/a.jpg" {
		t.Errorf("unexpected file row %+v", got)
	}
	if got.ProcessedAt.IsZero() {
		t.Error("ProcessedAt should be set")
	}

	if _, err := reg.AddFile(ctx, HashOf(1), "/photos/copy-of-a.jpg"); !errors.Is(err, database.ErrDuplicateFile) {
		t.Errorf("expected ErrDuplicateFile, got %v", err)
	}

	other, err := reg.AddFile(ctx, HashOf(2), "/photos/b.jpg")
	if err != nil {
		t.Fatalf("AddFile second hash: %v", err)
	}
	if other == id {
		t.Error("distinct files should get distinct IDs")
	}
}

func testConcurrentAddFile(t *testing.T, reg database.Registry) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.AddFile(ctx, HashOf(7), "/photos/same.jpg")
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, database.ErrDuplicateFile):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("expected exactly one insert to win, got %d", created)
	}

	stats, err := reg.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Files != 1 {
		t.Errorf("expected 1 file row, got %d", stats.Files)
	}
}

func testMatchOrRegister(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	first, err := reg.MatchOrRegister(ctx, Offset(0))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if first.Matched {
		t.Error("first encoding cannot match anything")
	}
	if first.EncodingID <= 0 {
		t.Errorf("expected positive encoding ID, got %d", first.EncodingID)
	}

	second, err := reg.MatchOrRegister(ctx, Offset(0))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if !second.Matched || second.MatchedID != first.EncodingID {
		t.Errorf("identical encoding should match %d, got %+v", first.EncodingID, second)
	}
	if second.Distance != 0 {
		t.Errorf("expected distance 0, got %f", second.Distance)
	}
	if second.EncodingID == first.EncodingID {
		t.Error("matched encoding must still be persisted under a new ID")
	}

	far, err := reg.MatchOrRegister(ctx, Offset(4))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if far.Matched {
		t.Errorf("distant encoding should not match, got %+v", far)
	}

	stats, err := reg.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Encodings != 3 {
		t.Errorf("expected 3 encodings, got %d", stats.Encodings)
	}
}

func testMatchBoundary(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	if _, err := reg.MatchOrRegister(ctx, Offset(0)); err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}

	// Exactly at the threshold is not a match.
	at, err := reg.MatchOrRegister(ctx, Offset(-Threshold))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if at.Matched {
		t.Errorf("distance == threshold must not match, got %+v", at)
	}
	if at.Distance != Threshold {
		t.Errorf("expected distance %f, got %f", Threshold, at.Distance)
	}

	under, err := reg.MatchOrRegister(ctx, Offset(0.5))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if !under.Matched {
		t.Errorf("distance under threshold should match, got %+v", under)
	}
}

// testDefaultThresholdBoundary checks 0.6 end to end: encodings are stored as
// float32, so 0.6 is stored as 0.6000000238 and must not match, while 0.5999
// must.
func testDefaultThresholdBoundary(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	if _, err := reg.MatchOrRegister(ctx, Offset(0)); err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}

	at, err := reg.MatchOrRegister(ctx, Offset(0.6))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if at.Matched {
		t.Errorf("distance 0.6 must not match, got %+v", at)
	}

	under, err := reg.MatchOrRegister(ctx, Offset(-0.5999))
	if err != nil {
		t.Fatalf("MatchOrRegister: %v", err)
	}
	if !under.Matched || under.MatchedID != 1 {
		t.Errorf("distance 0.5999 should match the first encoding, got %+v", under)
	}
	if math.Abs(under.Distance-0.5999) > 1e-6 {
		t.Errorf("expected distance 0.5999, got %f", under.Distance)
	}
}

func testConcurrentMatchOrRegister(t *testing.T, reg database.Registry) {
	ctx := context.Background()
	const workers = 8

	var wg sync.WaitGroup
	results := make([]database.MatchResult, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = reg.MatchOrRegister(ctx, Offset(1))
		}()
	}
	wg.Wait()

	unmatched := 0
	ids := make(map[int64]bool)
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if !res.Matched {
			unmatched++
		}
		ids[res.EncodingID] = true
	}
	if unmatched != 1 {
		t.Errorf("exactly one concurrent observation should be new, got %d", unmatched)
	}
	if len(ids) != workers {
		t.Errorf("expected %d distinct encoding IDs, got %d", workers, len(ids))
	}
}

func testEncodingRoundTrip(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	var enc facematch.Encoding
	for i := range enc {
		enc[i] = float32(i)/64 - 1
	}

	id, err := reg.AddEncoding(ctx, enc)
	if err != nil {
		t.Fatalf("AddEncoding: %v", err)
	}

	got, err := reg.GetEncoding(ctx, id)
	if err != nil {
		t.Fatalf("GetEncoding: %v", err)
	}
	if got.ID != id {
		t.Errorf("expected ID %d, got %d", id, got.ID)
	}
	if got.Encoding != enc {
		t.Error("encoding did not round-trip bit-exactly")
	}

	if _, err := reg.GetEncoding(ctx, id+1000); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// seedLocate stores the zero encoding followed by encodings at the given
// distances and returns the ID of the zero encoding.
func seedLocate(t *testing.T, reg database.Registry, distances ...float32) int64 {
	t.Helper()
	ctx := context.Background()

	query, err := reg.AddEncoding(ctx, Offset(0))
	if err != nil {
		t.Fatalf("AddEncoding: %v", err)
	}
	for _, d := range distances {
		if _, err := reg.AddEncoding(ctx, Offset(d)); err != nil {
			t.Fatalf("AddEncoding: %v", err)
		}
	}
	return query
}

func testLocateSimilar(t *testing.T, reg database.Registry) {
	ctx := context.Background()
	query := seedLocate(t, reg, 0.625, 2, 0.25, 0.5, Threshold)

	got, err := reg.LocateSimilar(ctx, query, 30)
	if err != nil {
		t.Fatalf("LocateSimilar: %v", err)
	}

	want := []float64{0.25, 0.5, 0.625}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), got)
	}
	for i, w := range want {
		if got[i].ID == query {
			t.Error("query encoding must be excluded")
		}
		if math.Abs(got[i].Distance-w) > 1e-9 {
			t.Errorf("result %d: expected distance %f, got %f", i, w, got[i].Distance)
		}
	}

	unlimited, err := reg.LocateSimilar(ctx, query, 0)
	if err != nil {
		t.Fatalf("LocateSimilar: %v", err)
	}
	if len(unlimited) != len(want) {
		t.Errorf("limit 0 means no limit, expected %d results, got %+v", len(want), unlimited)
	}

	limited, err := reg.LocateSimilar(ctx, query, 2)
	if err != nil {
		t.Fatalf("LocateSimilar: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected limit 2 to be honored, got %d", len(limited))
	}

	if _, err := reg.LocateSimilar(ctx, query+1000, 30); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testLocateDissimilar(t *testing.T, reg database.Registry) {
	ctx := context.Background()
	query := seedLocate(t, reg, 0.25, 3, 1, Threshold)

	got, err := reg.LocateDissimilar(ctx, query, 30)
	if err != nil {
		t.Fatalf("LocateDissimilar: %v", err)
	}

	want := []float64{3, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), got)
	}
	for i, w := range want {
		if math.Abs(got[i].Distance-w) > 1e-9 {
			t.Errorf("result %d: expected distance %f, got %f", i, w, got[i].Distance)
		}
	}
}

func testFacesAndStats(t *testing.T, reg database.Registry) {
	ctx := context.Background()

	fileID, err := reg.AddFile(ctx, HashOf(3), "/photos/group.png")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	rects := []facematch.Rect{
		{Top: 10, Left: 20, Bottom: 110, Right: 120},
		{Top: 200, Left: 40, Bottom: 260, Right: 100},
	}
	for i, rect := range rects {
		locID, err := reg.AddLocation(ctx, rect)
		if err != nil {
			t.Fatalf("AddLocation: %v", err)
		}
		res, err := reg.MatchOrRegister(ctx, Offset(float32(i*10)))
		if err != nil {
			t.Fatalf("MatchOrRegister: %v", err)
		}
		faceID, err := reg.AddFace(ctx, fileID, locID, res.EncodingID)
		if err != nil {
			t.Fatalf("AddFace: %v", err)
		}
		if faceID <= 0 {
			t.Errorf("expected positive face ID, got %d", faceID)
		}
	}

	stats, err := reg.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := database.Stats{Files: 1, Locations: 2, Encodings: 2, Faces: 2}
	if stats != want {
		t.Errorf("expected %+v, got %+v", want, stats)
	}
}

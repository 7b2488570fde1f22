package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	dbmock "github.com/kozaktomas/face-recognizer/internal/database/mock"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
	modelmock "github.com/kozaktomas/face-recognizer/internal/models/mock"
	"github.com/kozaktomas/face-recognizer/internal/names"
	"github.com/rs/zerolog"
)

func twoFaces(_ context.Context, _ image.Image) ([]facematch.Rect, error) {
	return []facematch.Rect{
		{Top: 0, Left: 0, Bottom: 8, Right: 8},
		{Top: 8, Left: 8, Bottom: 16, Right: 16},
	}, nil
}

func TestProcessFilePersists(t *testing.T) {
	ctx := context.Background()
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	fakes := modelmock.New()
	fakes.Detector.DetectFunc = twoFaces
	rec := &recorder{}

	p := newTestProcessor(t, reg, fakes, rec, Options{Jitter: 3})
	path := writePNG(t, t.TempDir(), "a.png", red)

	res := p.ProcessFile(ctx, path)
	if res.Final != Persisted || res.Err != nil {
		t.Fatalf("expected Persisted, got %s: %v", res.Final, res.Err)
	}
	if res.Faces != 2 {
		t.Errorf("expected 2 faces, got %d", res.Faces)
	}
	// Both faces share the color encoding, so the second matches the first.
	if res.Matches != 1 {
		t.Errorf("expected 1 match, got %d", res.Matches)
	}
	if res.FileID == 0 {
		t.Error("expected file ID")
	}

	stats, _ := reg.Stats(ctx)
	want := database.Stats{Files: 1, Locations: 2, Encodings: 2, Faces: 2}
	if stats != want {
		t.Errorf("expected %+v, got %+v", want, stats)
	}

	if got := fakes.Encoder.Jitters(); len(got) != 2 || got[0] != 3 || got[1] != 3 {
		t.Errorf("jitter must be passed through unchanged, got %v", got)
	}

	if n := len(rec.byName(constants.MetricDetect)); n != 1 {
		t.Errorf("expected 1 detect sample, got %d", n)
	}
	if n := len(rec.byName(constants.MetricLandmarks)); n != 2 {
		t.Errorf("expected 2 landmark samples, got %d", n)
	}
	encodes := rec.byName(constants.MetricEncode)
	if len(encodes) != 2 {
		t.Fatalf("expected 2 encode samples, got %d", len(encodes))
	}
	id0, _ := encodes[0].labels.Get("id")
	id1, _ := encodes[1].labels.Get("id")
	if id0 == "" || id0 == id1 {
		t.Errorf("each encode sample needs its own id, got %q and %q", id0, id1)
	}
	if file, _ := encodes[0].labels.Get("file"); file != path {
		t.Errorf("expected file label %s, got %s", path, file)
	}
}

func TestProcessFileIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	fakes := modelmock.New()
	p := newTestProcessor(t, reg, fakes, nil, testOptions())
	path := writePNG(t, t.TempDir(), "a.png", red)

	if res := p.ProcessFile(ctx, path); res.Final != Persisted {
		t.Fatalf("first run: expected Persisted, got %s: %v", res.Final, res.Err)
	}
	before, _ := reg.Stats(ctx)
	detections := fakes.Detector.Calls()

	res := p.ProcessFile(ctx, path)
	if res.Final != Skipped {
		t.Fatalf("second run: expected Skipped, got %s", res.Final)
	}
	after, _ := reg.Stats(ctx)
	if before != after {
		t.Errorf("second run must not add rows: %+v -> %+v", before, after)
	}
	if fakes.Detector.Calls() != detections {
		t.Error("skipped file must not reach the models")
	}
}

func TestProcessFileForce(t *testing.T) {
	ctx := context.Background()
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	fakes := modelmock.New()
	path := writePNG(t, t.TempDir(), "a.png", red)

	first := newTestProcessor(t, reg, fakes, nil, testOptions()).ProcessFile(ctx, path)
	if first.Final != Persisted {
		t.Fatalf("expected Persisted, got %s", first.Final)
	}

	forced := newTestProcessor(t, reg, fakes, nil, Options{Force: true}).ProcessFile(ctx, path)
	if forced.Final != Persisted {
		t.Fatalf("forced run: expected Persisted, got %s: %v", forced.Final, forced.Err)
	}
	if forced.FileID != first.FileID {
		t.Errorf("force must reuse file row %d, got %d", first.FileID, forced.FileID)
	}
	if forced.Matches != 1 {
		t.Errorf("reprocessed face should match the earlier observation, got %d matches", forced.Matches)
	}

	stats, _ := reg.Stats(ctx)
	if stats.Files != 1 || stats.Faces != 2 {
		t.Errorf("expected 1 file and 2 faces, got %+v", stats)
	}
}

func TestProcessFileDecodeError(t *testing.T) {
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	p := newTestProcessor(t, reg, modelmock.New(), nil, testOptions())

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := p.ProcessFile(context.Background(), path)
	if res.Final != Failed || res.FailedStage != Hashing {
		t.Fatalf("expected Failed(Hashing), got %s/%s", res.Final, res.FailedStage)
	}
	if !errors.Is(res.Err, fingerprint.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", res.Err)
	}
	var se *StageError
	if !errors.As(res.Err, &se) || se.Path != path {
		t.Errorf("expected StageError for %s, got %v", path, res.Err)
	}
	if reg.Calls(dbmock.OpFindFile) != 0 {
		t.Error("undecodable file must not reach the registry")
	}
}

func TestProcessFileStageFailures(t *testing.T) {
	boom := errors.New("model error")

	tests := []struct {
		name  string
		setup func(m *modelmock.Models)
		stage Stage
	}{
		{
			name: "detector",
			setup: func(m *modelmock.Models) {
				m.Detector.DetectFunc = func(context.Context, image.Image) ([]facematch.Rect, error) { return nil, boom }
			},
			stage: Detecting,
		},
		{
			name: "landmarks",
			setup: func(m *modelmock.Models) {
				m.Predictor.LandmarksFunc = func(context.Context, image.Image, facematch.Rect) (facematch.Landmarks, error) {
					return nil, boom
				}
			},
			stage: LandmarkExtraction,
		},
		{
			name: "encoder",
			setup: func(m *modelmock.Models) {
				m.Encoder.EncodeFunc = func(context.Context, image.Image, []facematch.Landmarks, int) ([]facematch.Encoding, error) {
					return nil, boom
				}
			},
			stage: Encoding,
		},
		{
			name: "encoder count mismatch",
			setup: func(m *modelmock.Models) {
				m.Encoder.EncodeFunc = func(context.Context, image.Image, []facematch.Landmarks, int) ([]facematch.Encoding, error) {
					return nil, nil
				}
			},
			stage: Encoding,
		},
		{
			name: "detector panic",
			setup: func(m *modelmock.Models) {
				m.Detector.DetectFunc = func(context.Context, image.Image) ([]facematch.Rect, error) { panic("segfault in model") }
			},
			stage: Detecting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := dbmock.NewRegistry(constants.MatchThreshold)
			fakes := modelmock.New()
			tt.setup(fakes)
			p := newTestProcessor(t, reg, fakes, nil, testOptions())

			res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
			if res.Final != Failed || res.FailedStage != tt.stage {
				t.Fatalf("expected Failed(%s), got %s/%s: %v", tt.stage, res.Final, res.FailedStage, res.Err)
			}
			if res.Err == nil {
				t.Error("expected an error")
			}

			stats, _ := reg.Stats(context.Background())
			if stats.Faces != 0 || stats.Encodings != 0 {
				t.Errorf("failed file must not persist faces, got %+v", stats)
			}
		})
	}
}

func TestProcessFileNoFaces(t *testing.T) {
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	fakes := modelmock.New()
	fakes.Detector.DetectFunc = func(context.Context, image.Image) ([]facematch.Rect, error) { return nil, nil }
	p := newTestProcessor(t, reg, fakes, nil, testOptions())

	res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "empty.png", green))
	if res.Final != Persisted || res.Faces != 0 {
		t.Errorf("image without faces should persist with 0 faces, got %s/%d", res.Final, res.Faces)
	}
	if fakes.Encoder.Calls() != 0 {
		t.Error("encoder should not run without faces")
	}
}

func TestProcessFileStorageRetry(t *testing.T) {
	transient := &database.StorageError{Op: "add location", Err: errors.New("database is locked")}

	t.Run("retried once", func(t *testing.T) {
		reg := dbmock.NewRegistry(constants.MatchThreshold)
		reg.Fail(dbmock.OpAddLocation, transient, 1)
		p := newTestProcessor(t, reg, modelmock.New(), nil, testOptions())

		res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
		if res.Final != Persisted {
			t.Fatalf("expected Persisted after retry, got %s: %v", res.Final, res.Err)
		}
		if reg.Calls(dbmock.OpAddLocation) != 2 {
			t.Errorf("expected 2 AddLocation calls, got %d", reg.Calls(dbmock.OpAddLocation))
		}
	})

	t.Run("fails after second error", func(t *testing.T) {
		reg := dbmock.NewRegistry(constants.MatchThreshold)
		reg.Fail(dbmock.OpMatchOrRegister, transient, 2)
		p := newTestProcessor(t, reg, modelmock.New(), nil, testOptions())

		res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
		if res.Final != Failed || res.FailedStage != MatchOrRegister {
			t.Fatalf("expected Failed(MatchOrRegister), got %s/%s", res.Final, res.FailedStage)
		}
		if !errors.Is(res.Err, transient) {
			t.Errorf("expected storage error, got %v", res.Err)
		}
		if reg.Calls(dbmock.OpMatchOrRegister) != 2 {
			t.Errorf("expected exactly one retry, got %d calls", reg.Calls(dbmock.OpMatchOrRegister))
		}
	})

	t.Run("non storage errors are not retried", func(t *testing.T) {
		reg := dbmock.NewRegistry(constants.MatchThreshold)
		reg.Fail(dbmock.OpAddFace, fmt.Errorf("encoding 9: %w", database.ErrNotFound), 1)
		p := newTestProcessor(t, reg, modelmock.New(), nil, testOptions())

		res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
		if res.Final != Failed {
			t.Fatalf("expected Failed, got %s", res.Final)
		}
		if reg.Calls(dbmock.OpAddFace) != 1 {
			t.Errorf("expected no retry, got %d calls", reg.Calls(dbmock.OpAddFace))
		}
	})

	t.Run("gate lookup retried", func(t *testing.T) {
		reg := dbmock.NewRegistry(constants.MatchThreshold)
		reg.Fail(dbmock.OpFindFile, transient, 1)
		p := newTestProcessor(t, reg, modelmock.New(), nil, testOptions())

		res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
		if res.Final != Persisted {
			t.Fatalf("expected Persisted after retry, got %s: %v", res.Final, res.Err)
		}
	})
}

func TestProcessFileTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	fakes := modelmock.New()
	fakes.Detector.DetectFunc = func(context.Context, image.Image) ([]facematch.Rect, error) {
		<-release // a stuck native call that ignores the context
		return nil, nil
	}

	reg := dbmock.NewRegistry(constants.MatchThreshold)
	p := newTestProcessor(t, reg, fakes, nil, Options{FileTimeout: 200 * time.Millisecond})

	start := time.Now()
	res := p.ProcessFile(context.Background(), writePNG(t, t.TempDir(), "a.png", red))
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not abandon the stuck call")
	}
	if res.Final != Failed || res.FailedStage != Detecting {
		t.Fatalf("expected Failed(Detecting), got %s/%s", res.Final, res.FailedStage)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", res.Err)
	}
}

func TestProcessFileLabeler(t *testing.T) {
	ctx := context.Background()
	reg := dbmock.NewRegistry(constants.MatchThreshold)
	fakes := modelmock.New()
	store, err := names.Load(filepath.Join(t.TempDir(), "names.txt"))
	if err != nil {
		t.Fatal(err)
	}
	p := NewProcessor(reg, newProvider(t, fakes), nil, store, zerolog.Nop(), testOptions())

	dir := t.TempDir()
	// One red face, then two blue faces that match each other.
	a := writePNG(t, dir, "a.png", red)
	if res := p.ProcessFile(ctx, a); res.Final != Persisted {
		t.Fatalf("expected Persisted, got %s", res.Final)
	}
	fakes.Detector.DetectFunc = twoFaces
	b := writePNG(t, dir, "b.png", blue)
	if res := p.ProcessFile(ctx, b); res.Final != Persisted {
		t.Fatalf("expected Persisted, got %s", res.Final)
	}

	first, _ := store.Name(1)
	blue1, _ := store.Name(2)
	blue2, _ := store.Name(3)
	if first == "" || blue1 == "" || first == blue1 {
		t.Errorf("different people need different names: %q vs %q", first, blue1)
	}
	if blue1 != blue2 {
		t.Errorf("matching faces should share a name: %q vs %q", blue1, blue2)
	}
}

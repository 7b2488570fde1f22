package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/models"
	modelmock "github.com/kozaktomas/face-recognizer/internal/models/mock"
	"github.com/kozaktomas/face-recognizer/internal/telemetry"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
)

// writePNG writes a solid 16x16 image and returns its path.
func writePNG(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func copyFile(t *testing.T, src, dst string) string {
	t.Helper()
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return dst
}

// sample is one recorded measurement.
type sample struct {
	name   string
	labels telemetry.Labels
}

type recorder struct {
	mu      sync.Mutex
	samples []sample
}

func (r *recorder) RecordDuration(name string, _ int64, labels telemetry.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample{name, labels})
}

func (r *recorder) byName(name string) []sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sample
	for _, s := range r.samples {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func newProvider(t *testing.T, fakes *modelmock.Models) models.Provider {
	t.Helper()
	p, err := models.NewProvider(context.Background(), models.ExclusivePerTask, 0, fakes.Factory(nil))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func newTestProcessor(t *testing.T, reg database.Registry, fakes *modelmock.Models, rec telemetry.Recorder, opts Options) *Processor {
	t.Helper()
	return NewProcessor(reg, newProvider(t, fakes), rec, nil, zerolog.Nop(), opts)
}

func testOptions() Options {
	return Options{FileTimeout: 0, RetryBackoff: 0}
}

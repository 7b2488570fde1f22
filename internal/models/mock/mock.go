// Package mock provides scriptable fakes for the face model interfaces.
package mock

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/models"
)

// Detector is a fake face detector. Without DetectFunc it reports one face
// covering the whole image.
type Detector struct {
	DetectFunc func(ctx context.Context, img image.Image) ([]facematch.Rect, error)
	calls      atomic.Int64
}

func (d *Detector) LocateFaces(ctx context.Context, img image.Image) ([]facematch.Rect, error) {
	d.calls.Add(1)
	if d.DetectFunc != nil {
		return d.DetectFunc(ctx, img)
	}
	b := img.Bounds()
	return []facematch.Rect{{Top: b.Min.Y, Left: b.Min.X, Bottom: b.Max.Y, Right: b.Max.X}}, nil
}

// Calls returns the number of LocateFaces calls.
func (d *Detector) Calls() int { return int(d.calls.Load()) }

// Predictor is a fake landmark predictor. Without LandmarksFunc it returns the
// four corners of the rectangle.
type Predictor struct {
	LandmarksFunc func(ctx context.Context, img image.Image, rect facematch.Rect) (facematch.Landmarks, error)
	calls         atomic.Int64
}

func (p *Predictor) Landmarks(ctx context.Context, img image.Image, rect facematch.Rect) (facematch.Landmarks, error) {
	p.calls.Add(1)
	if p.LandmarksFunc != nil {
		return p.LandmarksFunc(ctx, img, rect)
	}
	return facematch.Landmarks{
		{X: rect.Left, Y: rect.Top},
		{X: rect.Right, Y: rect.Top},
		{X: rect.Right, Y: rect.Bottom},
		{X: rect.Left, Y: rect.Bottom},
	}, nil
}

// Calls returns the number of Landmarks calls.
func (p *Predictor) Calls() int { return int(p.calls.Load()) }

// Encoder is a fake encoder. Without EncodeFunc every landmark set maps to
// the encoding of ColorEncoding for the image's top-left pixel.
type Encoder struct {
	EncodeFunc func(ctx context.Context, img image.Image, landmarks []facematch.Landmarks, jitter int) ([]facematch.Encoding, error)
	calls      atomic.Int64

	mu      sync.Mutex
	jitters []int
}

func (e *Encoder) Encode(ctx context.Context, img image.Image, landmarks []facematch.Landmarks, jitter int) ([]facematch.Encoding, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.jitters = append(e.jitters, jitter)
	e.mu.Unlock()

	if e.EncodeFunc != nil {
		return e.EncodeFunc(ctx, img, landmarks, jitter)
	}
	enc := ColorEncoding(img)
	out := make([]facematch.Encoding, len(landmarks))
	for i := range out {
		out[i] = enc
	}
	return out, nil
}

// Calls returns the number of Encode calls.
func (e *Encoder) Calls() int { return int(e.calls.Load()) }

// Jitters returns the jitter values Encode was called with.
func (e *Encoder) Jitters() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.jitters...)
}

// ColorEncoding derives an encoding from the top-left pixel: component 0 is
// the red channel scaled to [0,1], component 1 green, component 2 blue.
// Images whose corner colors differ by more than 0.6 in one channel never match.
func ColorEncoding(img image.Image) facematch.Encoding {
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()

	var enc facematch.Encoding
	enc[0] = float32(r) / 0xffff
	enc[1] = float32(g) / 0xffff
	enc[2] = float32(bl) / 0xffff
	return enc
}

// Models bundles one fake of each adapter.
type Models struct {
	Detector  *Detector
	Predictor *Predictor
	Encoder   *Encoder
}

// New returns fakes with default behavior.
func New() *Models {
	return &Models{Detector: &Detector{}, Predictor: &Predictor{}, Encoder: &Encoder{}}
}

// Bundle returns the fakes as a models.Models.
func (m *Models) Bundle() *models.Models {
	return &models.Models{Detector: m.Detector, Landmarks: m.Predictor, Encoder: m.Encoder}
}

// Factory returns a factory that hands out the same fakes every time and
// counts constructions.
func (m *Models) Factory(built *atomic.Int64) models.Factory {
	return func(context.Context) (*models.Models, error) {
		if built != nil {
			built.Add(1)
		}
		return m.Bundle(), nil
	}
}

// Package models defines the boundary to the face models: detection, landmark
// prediction and encoding. The algorithms live behind these interfaces.
package models

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
)

// ErrModelUnavailable is returned when a model cannot be constructed or
// reached. It is fatal at startup.
var ErrModelUnavailable = errors.New("face model unavailable")

// Detector locates faces in an image. An empty result is not an error.
type Detector interface {
	LocateFaces(ctx context.Context, img image.Image) ([]facematch.Rect, error)
}

// LandmarkPredictor returns the facial landmark points inside rect.
type LandmarkPredictor interface {
	Landmarks(ctx context.Context, img image.Image, rect facematch.Rect) (facematch.Landmarks, error)
}

// Encoder turns landmark sets into encodings, one per set and in the same
// order. jitter is passed to the model unchanged.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, landmarks []facematch.Landmarks, jitter int) ([]facematch.Encoding, error)
}

// Models is the set of adapters one file task works with.
type Models struct {
	Detector  Detector
	Landmarks LandmarkPredictor
	Encoder   Encoder

	// Closer, when set, releases resources shared by the adapters.
	Closer io.Closer
}

// Factory constructs a fresh Models instance.
type Factory func(ctx context.Context) (*Models, error)

func (m *Models) validate() error {
	if m == nil || m.Detector == nil || m.Landmarks == nil || m.Encoder == nil {
		return errors.New("incomplete model set")
	}
	return nil
}

package facematch

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// EncodingDim is the fixed number of components in a face encoding.
const EncodingDim = 128

// ErrDimensionMismatch is returned when a vector does not have exactly EncodingDim components.
var ErrDimensionMismatch = errors.New("encoding dimension mismatch")

// Encoding is a 128-component face descriptor. The array type makes the length
// part of the type, so a constructed Encoding can never be truncated or padded.
type Encoding [EncodingDim]float32

// NewEncoding copies values into an Encoding, rejecting any other length.
func NewEncoding(values []float32) (Encoding, error) {
	var e Encoding
	if len(values) != EncodingDim {
		return e, fmt.Errorf("%w: got %d components, want %d", ErrDimensionMismatch, len(values), EncodingDim)
	}
	copy(e[:], values)
	return e, nil
}

// NewEncodingFromFloat64 narrows a float64 vector (as produced by most encoders) to float32.
func NewEncodingFromFloat64(values []float64) (Encoding, error) {
	var e Encoding
	if len(values) != EncodingDim {
		return e, fmt.Errorf("%w: got %d components, want %d", ErrDimensionMismatch, len(values), EncodingDim)
	}
	for i, v := range values {
		e[i] = float32(v)
	}
	return e, nil
}

// Fill returns an encoding with every component set to v.
func Fill(v float32) Encoding {
	var e Encoding
	for i := range e {
		e[i] = v
	}
	return e
}

// Slice returns the components as a new slice.
func (e Encoding) Slice() []float32 {
	out := make([]float32, EncodingDim)
	copy(out, e[:])
	return out
}

// Float64s widens the components to float64.
func (e Encoding) Float64s() []float64 {
	out := make([]float64, EncodingDim)
	for i, v := range e {
		out[i] = float64(v)
	}
	return out
}

// Distance computes the Euclidean (L2) distance between two encodings.
func Distance(a, b Encoding) float64 {
	return floats.Distance(a.Float64s(), b.Float64s(), 2)
}

// SliceDistance is Distance for raw vectors, used by SQL functions that decode BLOBs.
func SliceDistance(a, b []float32) (float64, error) {
	ea, err := NewEncoding(a)
	if err != nil {
		return 0, err
	}
	eb, err := NewEncoding(b)
	if err != nil {
		return 0, err
	}
	return Distance(ea, eb), nil
}

// IsMatch reports whether distance falls strictly under threshold.
// A distance equal to the threshold is not a match.
func IsMatch(distance, threshold float64) bool {
	return distance < threshold
}

// Nearest scans candidates and returns the closest one to query.
// ok is false when candidates is empty.
func Nearest(query Encoding, ids []int64, candidates []Encoding) (best Match, ok bool) {
	for i, c := range candidates {
		d := Distance(query, c)
		if !ok || d < best.Distance {
			best = Match{ID: ids[i], Distance: d}
			ok = true
		}
	}
	return best, ok
}

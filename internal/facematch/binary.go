package facematch

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodedSize is the byte length of a binary encoding: 128 little-endian float32 values.
const EncodedSize = EncodingDim * 4

// MarshalBinary encodes the components as little-endian IEEE 754 float32 values
// without a length prefix.
func (e Encoding) MarshalBinary() ([]byte, error) {
	b := make([]byte, EncodedSize)
	for i, v := range e {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b, nil
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (e *Encoding) UnmarshalBinary(b []byte) error {
	if len(b) != EncodedSize {
		return fmt.Errorf("%w: blob has %d bytes, want %d", ErrDimensionMismatch, len(b), EncodedSize)
	}
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return nil
}

// DecodeBlob decodes a stored blob into a new Encoding.
func DecodeBlob(b []byte) (Encoding, error) {
	var e Encoding
	err := e.UnmarshalBinary(b)
	return e, err
}

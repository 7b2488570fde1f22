// Package fingerprint computes content digests of decoded images. The digest is
// taken over decoded pixels rather than file bytes, so re-encoding the same
// raster into another format still yields the same fingerprint.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/zeebo/blake3"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// HashSize is the digest length in bytes (BLAKE3-256).
const HashSize = 32

// ErrDecode is returned when a file is not a readable image.
var ErrDecode = errors.New("decode image")

// Hash is the content fingerprint of a decoded image.
type Hash [HashSize]byte

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters, for log lines.
func (h Hash) Short() string {
	return h.String()[:12]
}

// HashFromBytes converts a stored digest back into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Decode decodes image data in any registered format (jpeg, png, gif, bmp, tiff, webp).
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, format, nil
}

// DecodeFile reads and decodes the image at path.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Compute returns the digest of the image's pixels. The image is first
// normalised to 8-bit RGBA anchored at the origin; width and height are mixed
// into the digest so two rasters with the same bytes but different shapes differ.
func Compute(img image.Image) Hash {
	rgba := ToRGBA(img)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(rgba.Rect.Dx()))
	binary.LittleEndian.PutUint32(header[4:], uint32(rgba.Rect.Dy()))

	hasher := blake3.New()
	_, _ = hasher.Write(header[:])
	_, _ = hasher.Write(rgba.Pix)

	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

// ToRGBA converts any image into a tightly packed RGBA image starting at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst
}

package database

import (
	"time"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// SourceFile is a processed image, unique by content hash.
type SourceFile struct {
	ID          int64
	Hash        fingerprint.Hash
	Path        string // path at first sighting; not updated when the file moves
	ProcessedAt time.Time
}

// FaceLocation is a detected face rectangle, stored as reported by the detector.
type FaceLocation struct {
	ID   int64
	Rect facematch.Rect
}

// StoredEncoding is a persisted face encoding.
type StoredEncoding struct {
	ID       int64
	Encoding facematch.Encoding
}

// Face links one detected face instance to its file, location and encoding.
type Face struct {
	ID         int64
	FileID     int64
	LocationID int64
	EncodingID int64
}

// MatchResult is the outcome of MatchOrRegister. The encoding is always
// persisted (EncodingID); Matched tells whether an earlier observation lies
// within the threshold.
type MatchResult struct {
	EncodingID int64
	Matched    bool
	MatchedID  int64   // nearest earlier encoding when Matched
	Distance   float64 // distance to the nearest earlier encoding, 0 when none exist
}

// Similar is a single locate row.
type Similar struct {
	ID       int64
	Distance float64
}

// Stats holds row counts for every table.
type Stats struct {
	Files     int
	Locations int
	Encodings int
	Faces     int
}

package database

import (
	"context"

	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// FileStore provides access to processed source files
type FileStore interface {
	// FindFile returns the newest file with the given hash, or nil if none exists
	FindFile(ctx context.Context, hash fingerprint.Hash) (*SourceFile, error)
	// AddFile inserts a new file and returns its ID.
	// Returns ErrDuplicateFile when another row with the same hash already exists.
	AddFile(ctx context.Context, hash fingerprint.Hash, path string) (int64, error)
}

// FaceStore provides append-only inserts of face rows
type FaceStore interface {
	AddLocation(ctx context.Context, rect facematch.Rect) (int64, error)
	AddEncoding(ctx context.Context, enc facematch.Encoding) (int64, error)
	AddFace(ctx context.Context, fileID, locationID, encodingID int64) (int64, error)
}

// Matcher answers similarity questions over stored encodings
type Matcher interface {
	// MatchOrRegister finds the nearest stored encoding, reports a match when it is
	// strictly under the threshold, and always persists enc as a new encoding
	MatchOrRegister(ctx context.Context, enc facematch.Encoding) (MatchResult, error)
	// LocateSimilar returns up to limit other encodings closer than the threshold,
	// nearest first
	LocateSimilar(ctx context.Context, encodingID int64, limit int) ([]Similar, error)
	// LocateDissimilar returns up to limit encodings farther than the threshold,
	// farthest first
	LocateDissimilar(ctx context.Context, encodingID int64, limit int) ([]Similar, error)
	// GetEncoding retrieves a stored encoding, returns ErrNotFound if absent
	GetEncoding(ctx context.Context, id int64) (*StoredEncoding, error)
}

// Registry is the identity registry: it owns every persisted row.
type Registry interface {
	FileStore
	FaceStore
	Matcher

	// Stats returns row counts per table
	Stats(ctx context.Context) (Stats, error)
	// Close releases the backend (and flushes snapshot-based backends)
	Close() error
}

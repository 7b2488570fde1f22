// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Face matching constants
const (
	// MatchThreshold is the maximum Euclidean distance between two encodings
	// for them to be considered the same person. The comparison is strict (<).
	MatchThreshold = 0.6

	// DefaultLocateLimit is the default number of rows returned by locate
	DefaultLocateLimit = 30

	// DefaultJitter is the number of re-sampled jitters per face chip passed to the encoder.
	// 0 disables jittering.
	DefaultJitter = 0
)

// Processing constants
const (
	// DefaultFileTimeout bounds the time spent on a single file, so a stuck
	// model call cannot stall the batch
	DefaultFileTimeout = 5 * time.Minute

	// StorageRetryBackoff is the pause before the single retry of a failed registry write
	StorageRetryBackoff = 250 * time.Millisecond

	// IgnoreFileName is the gitignore-style file honoured at the root of a recognize input dir
	IgnoreFileName = ".faceignore"
)

// Telemetry metric names
const (
	MetricDetect    = "face_recognition.duration_ms"
	MetricLandmarks = "landmarks_prediction.duration_ms"
	MetricEncode    = "face_encoding.duration_ms"
)

// Package memory implements the identity registry on in-process maps. The
// "memory" backend keeps everything in RAM; the "file" backend additionally
// snapshots the rows to a gob file on Close and restores them on Open.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/config"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

func init() {
	database.RegisterBackend("memory", func(_ context.Context, cfg *config.RegistryConfig) (database.Registry, error) {
		return New(Options{Threshold: cfg.Threshold, HNSW: cfg.HNSW}), nil
	})
	database.RegisterBackend("file", func(_ context.Context, cfg *config.RegistryConfig) (database.Registry, error) {
		return OpenFile(cfg.Path, Options{Threshold: cfg.Threshold, HNSW: cfg.HNSW})
	})
}

// Options configures a memory registry.
type Options struct {
	Threshold float64 // match threshold, defaults to constants.MatchThreshold
	HNSW      bool    // prefetch locate candidates from an HNSW graph
}

// Registry is an in-memory identity registry. A single RWMutex guards all
// rows, so MatchOrRegister is atomic with respect to other writers.
type Registry struct {
	mu        sync.RWMutex
	threshold float64
	now       func() time.Time

	files      []database.SourceFile
	fileByHash map[fingerprint.Hash]int // index into files
	locations  []database.FaceLocation
	encodings  []database.StoredEncoding
	faces      []database.Face

	index *Index // nil unless HNSW is enabled
	path  string // snapshot path for the file backend
}

// New creates an empty in-memory registry.
func New(opts Options) *Registry {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = constants.MatchThreshold
	}
	r := &Registry{
		threshold:  threshold,
		now:        time.Now,
		fileByHash: make(map[fingerprint.Hash]int),
	}
	if opts.HNSW {
		r.index = NewIndex()
	}
	return r
}

// FindFile returns the file with the given hash, or nil.
func (r *Registry) FindFile(_ context.Context, hash fingerprint.Hash) (*database.SourceFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.fileByHash[hash]
	if !ok {
		return nil, nil
	}
	file := r.files[i]
	return &file, nil
}

// AddFile registers a new file hash.
func (r *Registry) AddFile(_ context.Context, hash fingerprint.Hash, path string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fileByHash[hash]; exists {
		return 0, database.ErrDuplicateFile
	}

	id := int64(len(r.files) + 1)
	r.files = append(r.files, database.SourceFile{
		ID:          id,
		Hash:        hash,
		Path:        path,
		ProcessedAt: r.now().UTC(),
	})
	r.fileByHash[hash] = len(r.files) - 1
	return id, nil
}

// AddLocation appends a face rectangle.
func (r *Registry) AddLocation(_ context.Context, rect facematch.Rect) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := int64(len(r.locations) + 1)
	r.locations = append(r.locations, database.FaceLocation{ID: id, Rect: rect})
	return id, nil
}

// AddEncoding appends an encoding.
func (r *Registry) AddEncoding(_ context.Context, enc facematch.Encoding) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addEncodingLocked(enc), nil
}

func (r *Registry) addEncodingLocked(enc facematch.Encoding) int64 {
	id := int64(len(r.encodings) + 1)
	r.encodings = append(r.encodings, database.StoredEncoding{ID: id, Encoding: enc})
	if r.index != nil {
		r.index.Add(id, enc)
	}
	return id
}

// AddFace links a face to its file, location and encoding.
func (r *Registry) AddFace(_ context.Context, fileID, locationID, encodingID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fileID < 1 || int(fileID) > len(r.files) {
		return 0, fmt.Errorf("add face: file %d: %w", fileID, database.ErrNotFound)
	}
	if locationID < 1 || int(locationID) > len(r.locations) {
		return 0, fmt.Errorf("add face: location %d: %w", locationID, database.ErrNotFound)
	}
	if encodingID < 1 || int(encodingID) > len(r.encodings) {
		return 0, fmt.Errorf("add face: encoding %d: %w", encodingID, database.ErrNotFound)
	}

	id := int64(len(r.faces) + 1)
	r.faces = append(r.faces, database.Face{
		ID:         id,
		FileID:     fileID,
		LocationID: locationID,
		EncodingID: encodingID,
	})
	return id, nil
}

// MatchOrRegister scans every stored encoding and persists enc.
func (r *Registry) MatchOrRegister(_ context.Context, enc facematch.Encoding) (database.MatchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result database.MatchResult
	if best, ok := r.nearestLocked(enc); ok {
		result.Distance = best.Distance
		if facematch.IsMatch(best.Distance, r.threshold) {
			result.Matched = true
			result.MatchedID = best.ID
		}
	}

	result.EncodingID = r.addEncodingLocked(enc)
	return result, nil
}

func (r *Registry) nearestLocked(enc facematch.Encoding) (facematch.Match, bool) {
	var best facematch.Match
	found := false
	for _, stored := range r.encodings {
		d := facematch.Distance(enc, stored.Encoding)
		if !found || d < best.Distance {
			best = facematch.Match{ID: stored.ID, Distance: d}
			found = true
		}
	}
	return best, found
}

// GetEncoding returns a stored encoding by ID.
func (r *Registry) GetEncoding(_ context.Context, id int64) (*database.StoredEncoding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 1 || int(id) > len(r.encodings) {
		return nil, fmt.Errorf("encoding %d: %w", id, database.ErrNotFound)
	}
	stored := r.encodings[id-1]
	return &stored, nil
}

// LocateSimilar returns the nearest other encodings under the threshold.
// With HNSW enabled and a positive limit, only the graph's approximate
// nearest candidates are considered, so a closer encoding the graph misses
// is not returned. Distances of returned rows are always exact.
func (r *Registry) LocateSimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	query, err := r.GetEncoding(ctx, encodingID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Without a limit every encoding is a candidate, so the graph is skipped.
	candidates := r.encodings
	if r.index != nil && limit > 0 {
		candidates = r.lookupLocked(r.index.Candidates(query.Encoding, limit))
	}

	var results []database.Similar
	for _, c := range candidates {
		if c.ID == encodingID {
			continue
		}
		d := facematch.Distance(query.Encoding, c.Encoding)
		if facematch.IsMatch(d, r.threshold) {
			results = append(results, database.Similar{ID: c.ID, Distance: d})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	return truncate(results, limit), nil
}

// LocateDissimilar returns encodings beyond the threshold, farthest first.
func (r *Registry) LocateDissimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	query, err := r.GetEncoding(ctx, encodingID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []database.Similar
	for _, c := range r.encodings {
		d := facematch.Distance(query.Encoding, c.Encoding)
		if d > r.threshold {
			results = append(results, database.Similar{ID: c.ID, Distance: d})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance > results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	return truncate(results, limit), nil
}

func (r *Registry) lookupLocked(ids []int64) []database.StoredEncoding {
	out := make([]database.StoredEncoding, 0, len(ids))
	for _, id := range ids {
		if id >= 1 && int(id) <= len(r.encodings) {
			out = append(out, r.encodings[id-1])
		}
	}
	return out
}

func truncate(results []database.Similar, limit int) []database.Similar {
	if limit > 0 && len(results) > limit {
		return results[:limit]
	}
	return results
}

// Stats returns row counts.
func (r *Registry) Stats(_ context.Context) (database.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return database.Stats{
		Files:     len(r.files),
		Locations: len(r.locations),
		Encodings: len(r.encodings),
		Faces:     len(r.faces),
	}, nil
}

// Close flushes the snapshot for the file backend; it is a no-op otherwise.
func (r *Registry) Close() error {
	if r.path == "" {
		return nil
	}
	return r.Save()
}

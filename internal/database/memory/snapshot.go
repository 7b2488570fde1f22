package memory

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/database"
)

const snapshotVersion = 1

// snapshot is the on-disk form of the file backend.
type snapshot struct {
	Version   int
	SavedAt   time.Time
	Files     []database.SourceFile
	Locations []database.FaceLocation
	Encodings []database.StoredEncoding
	Faces     []database.Face
}

// OpenFile creates a registry backed by a gob snapshot at path. A missing file
// yields an empty registry; the snapshot is written on Save and Close.
func OpenFile(path string, opts Options) (*Registry, error) {
	if path == "" {
		return nil, errors.New("file backend requires REGISTRY_PATH")
	}

	r := New(opts)
	r.path = path

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, snap.Version)
	}

	r.files = snap.Files
	r.locations = snap.Locations
	r.encodings = snap.Encodings
	r.faces = snap.Faces
	for i, file := range r.files {
		r.fileByHash[file.Hash] = i
	}
	if r.index != nil {
		r.index.Rebuild(r.encodings)
	}
	return r, nil
}

// Save writes the snapshot atomically: a temp file in the same directory is
// synced and renamed over the target.
func (r *Registry) Save() error {
	if r.path == "" {
		return errors.New("registry has no snapshot path")
	}

	r.mu.RLock()
	snap := snapshot{
		Version:   snapshotVersion,
		SavedAt:   r.now().UTC(),
		Files:     r.files,
		Locations: r.locations,
		Encodings: r.encodings,
		Faces:     r.faces,
	}
	defer r.mu.RUnlock()

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

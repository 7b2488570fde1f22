// Package dedup decides whether a file needs processing based on the content
// hash of its decoded pixels.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// Decision is the gate's verdict for one file.
type Decision struct {
	FileID   int64 // row to attach faces to; 0 when Skip
	Skip     bool  // content was processed before and force is off
	Existing bool  // the row existed before this check (or a concurrent task created it)
}

// Gate is the dedup gate over a file store.
type Gate struct {
	files database.FileStore
}

// NewGate creates a gate over files.
func NewGate(files database.FileStore) *Gate {
	return &Gate{files: files}
}

// Check looks the hash up and registers it when new. With force an existing
// row is reused, never duplicated. When two tasks race on the same new hash
// the loser of the insert adopts the winner's row.
func (g *Gate) Check(ctx context.Context, hash fingerprint.Hash, path string, force bool) (Decision, error) {
	existing, err := g.files.FindFile(ctx, hash)
	if err != nil {
		return Decision{}, fmt.Errorf("find file %s: %w", hash.Short(), err)
	}
	if existing != nil {
		return existingDecision(existing, force), nil
	}

	id, err := g.files.AddFile(ctx, hash, path)
	switch {
	case err == nil:
		return Decision{FileID: id}, nil
	case errors.Is(err, database.ErrDuplicateFile):
		winner, findErr := g.files.FindFile(ctx, hash)
		if findErr != nil {
			return Decision{}, fmt.Errorf("find file %s after duplicate insert: %w", hash.Short(), findErr)
		}
		if winner == nil {
			return Decision{}, fmt.Errorf("file %s reported duplicate but not found: %w", hash.Short(), database.ErrNotFound)
		}
		return existingDecision(winner, force), nil
	default:
		return Decision{}, fmt.Errorf("add file %s: %w", hash.Short(), err)
	}
}

func existingDecision(file *database.SourceFile, force bool) Decision {
	if !force {
		return Decision{Skip: true, Existing: true}
	}
	return Decision{FileID: file.ID, Existing: true}
}

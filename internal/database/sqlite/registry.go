package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
)

// Registry is the SQLite-backed identity registry.
type Registry struct {
	db        *sql.DB
	threshold float64
	now       func() time.Time

	matchMu sync.Mutex // serializes MatchOrRegister within this process
}

// DB returns the underlying sql.DB for direct access.
func (r *Registry) DB() *sql.DB {
	return r.db
}

// FindFile returns the newest file with the given hash, or nil.
func (r *Registry) FindFile(ctx context.Context, hash fingerprint.Hash) (*database.SourceFile, error) {
	var (
		file        database.SourceFile
		hashBytes   []byte
		processedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, hash, path, processed_at
		FROM files
		WHERE hash = ?
		ORDER BY id DESC
		LIMIT 1
	`, hash[:]).Scan(&file.ID, &hashBytes, &file.Path, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Wrap("find file", err)
	}

	if file.Hash, err = fingerprint.HashFromBytes(hashBytes); err != nil {
		return nil, database.Wrap("find file", err)
	}
	if file.ProcessedAt, err = time.Parse(time.RFC3339Nano, processedAt); err != nil {
		return nil, database.Wrap("find file", fmt.Errorf("parse processed_at: %w", err))
	}
	return &file, nil
}

// AddFile inserts a file row. The UNIQUE index on hash decides concurrent races.
func (r *Registry) AddFile(ctx context.Context, hash fingerprint.Hash, path string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO files (hash, path, processed_at) VALUES (?, ?, ?)",
		hash[:], path, r.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, database.ErrDuplicateFile
		}
		return 0, database.Wrap("add file", err)
	}
	return lastInsertID("add file", res)
}

// AddLocation inserts a face rectangle.
func (r *Registry) AddLocation(ctx context.Context, rect facematch.Rect) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO face_locations (rect_top, rect_left, rect_bottom, rect_right) VALUES (?, ?, ?, ?)",
		rect.Top, rect.Left, rect.Bottom, rect.Right,
	)
	if err != nil {
		return 0, database.Wrap("add location", err)
	}
	return lastInsertID("add location", res)
}

// AddEncoding inserts an encoding blob.
func (r *Registry) AddEncoding(ctx context.Context, enc facematch.Encoding) (int64, error) {
	return insertEncoding(ctx, r.db, enc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEncoding(ctx context.Context, db execer, enc facematch.Encoding) (int64, error) {
	blob, err := enc.MarshalBinary()
	if err != nil {
		return 0, database.Wrap("add encoding", err)
	}
	res, err := db.ExecContext(ctx, "INSERT INTO face_encodings (encoding) VALUES (?)", blob)
	if err != nil {
		return 0, database.Wrap("add encoding", err)
	}
	return lastInsertID("add encoding", res)
}

// AddFace links a face to its file, location and encoding.
func (r *Registry) AddFace(ctx context.Context, fileID, locationID, encodingID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"INSERT INTO faces (file_id, location_id, encoding_id) VALUES (?, ?, ?)",
		fileID, locationID, encodingID,
	)
	if err != nil {
		return 0, database.Wrap("add face", err)
	}
	return lastInsertID("add face", res)
}

// MatchOrRegister finds the nearest stored encoding and inserts enc in one
// immediate transaction.
func (r *Registry) MatchOrRegister(ctx context.Context, enc facematch.Encoding) (database.MatchResult, error) {
	r.matchMu.Lock()
	defer r.matchMu.Unlock()

	blob, err := enc.MarshalBinary()
	if err != nil {
		return database.MatchResult{}, database.Wrap("match", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return database.MatchResult{}, database.Wrap("match", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		result   database.MatchResult
		nearest  int64
		distance float64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, vec_l2(encoding, ?) AS distance
		FROM face_encodings
		ORDER BY distance ASC, id ASC
		LIMIT 1
	`, blob).Scan(&nearest, &distance)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return database.MatchResult{}, database.Wrap("match", err)
	default:
		result.Distance = distance
		if facematch.IsMatch(distance, r.threshold) {
			result.Matched = true
			result.MatchedID = nearest
		}
	}

	if result.EncodingID, err = insertEncoding(ctx, tx, enc); err != nil {
		return database.MatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return database.MatchResult{}, database.Wrap("match", err)
	}
	return result, nil
}

// GetEncoding retrieves a stored encoding.
func (r *Registry) GetEncoding(ctx context.Context, id int64) (*database.StoredEncoding, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, "SELECT encoding FROM face_encodings WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("encoding %d: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, database.Wrap("get encoding", err)
	}

	enc, err := facematch.DecodeBlob(blob)
	if err != nil {
		return nil, database.Wrap("get encoding", err)
	}
	return &database.StoredEncoding{ID: id, Encoding: enc}, nil
}

// LocateSimilar returns other encodings closer than the threshold, nearest first.
func (r *Registry) LocateSimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	return r.locate(ctx, "locate similar", encodingID, limit, `
		SELECT id, distance FROM (
			SELECT id, vec_l2(encoding, ?) AS distance
			FROM face_encodings
			WHERE id <> ?
		)
		WHERE distance < ?
		ORDER BY distance ASC, id ASC
		LIMIT ?
	`)
}

// LocateDissimilar returns encodings farther than the threshold, farthest first.
func (r *Registry) LocateDissimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	return r.locate(ctx, "locate dissimilar", encodingID, limit, `
		SELECT id, distance FROM (
			SELECT id, vec_l2(encoding, ?) AS distance
			FROM face_encodings
			WHERE id <> ?
		)
		WHERE distance > ?
		ORDER BY distance DESC, id ASC
		LIMIT ?
	`)
}

func (r *Registry) locate(ctx context.Context, op string, encodingID int64, limit int, query string) ([]database.Similar, error) {
	stored, err := r.GetEncoding(ctx, encodingID)
	if err != nil {
		return nil, err
	}
	blob, err := stored.Encoding.MarshalBinary()
	if err != nil {
		return nil, database.Wrap(op, err)
	}
	if limit <= 0 {
		limit = -1 // no LIMIT in SQLite
	}

	rows, err := r.db.QueryContext(ctx, query, blob, encodingID, r.threshold, limit)
	if err != nil {
		return nil, database.Wrap(op, err)
	}
	defer rows.Close()

	var results []database.Similar
	for rows.Next() {
		var s database.Similar
		if err := rows.Scan(&s.ID, &s.Distance); err != nil {
			return nil, database.Wrap(op, err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Wrap(op, err)
	}
	return results, nil
}

// Stats returns row counts per table.
func (r *Registry) Stats(ctx context.Context) (database.Stats, error) {
	var s database.Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM face_locations),
			(SELECT COUNT(*) FROM face_encodings),
			(SELECT COUNT(*) FROM faces)
	`).Scan(&s.Files, &s.Locations, &s.Encodings, &s.Faces)
	if err != nil {
		return database.Stats{}, database.Wrap("stats", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("closing database connection: %w", err)
	}
	return nil
}

func lastInsertID(op string, res sql.Result) (int64, error) {
	id, err := res.LastInsertId()
	if err != nil {
		return 0, database.Wrap(op, err)
	}
	return id, nil
}

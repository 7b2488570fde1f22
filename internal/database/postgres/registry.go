package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-recognizer/internal/database"
	"github.com/kozaktomas/face-recognizer/internal/facematch"
	"github.com/kozaktomas/face-recognizer/internal/fingerprint"
	"github.com/pgvector/pgvector-go"
)

// matchLockKey is the transaction-scoped advisory lock taken by
// MatchOrRegister; it serializes match-then-insert across all clients.
const matchLockKey = 0x66616365_6d617463

// Registry is the PostgreSQL-backed identity registry.
type Registry struct {
	pool      *Pool
	threshold float64
}

// Pool returns the registry's connection pool.
func (r *Registry) Pool() *Pool {
	return r.pool
}

// FindFile returns the newest file with the given hash, or nil.
func (r *Registry) FindFile(ctx context.Context, hash fingerprint.Hash) (*database.SourceFile, error) {
	var (
		file      database.SourceFile
		hashBytes []byte
	)
	err := r.pool.db.QueryRowContext(ctx, `
		SELECT id, hash, path, processed_at
		FROM files
		WHERE hash = $1
		ORDER BY id DESC
		LIMIT 1
	`, hash[:]).Scan(&file.ID, &hashBytes, &file.Path, &file.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Wrap("find file", err)
	}

	if file.Hash, err = fingerprint.HashFromBytes(hashBytes); err != nil {
		return nil, database.Wrap("find file", err)
	}
	return &file, nil
}

// AddFile inserts a file row, returning ErrDuplicateFile on a hash conflict.
func (r *Registry) AddFile(ctx context.Context, hash fingerprint.Hash, path string) (int64, error) {
	var id int64
	err := r.pool.db.QueryRowContext(ctx,
		"INSERT INTO files (hash, path) VALUES ($1, $2) RETURNING id",
		hash[:], path,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, database.ErrDuplicateFile
		}
		return 0, database.Wrap("add file", err)
	}
	return id, nil
}

// AddLocation inserts a face rectangle.
func (r *Registry) AddLocation(ctx context.Context, rect facematch.Rect) (int64, error) {
	var id int64
	err := r.pool.db.QueryRowContext(ctx, `
		INSERT INTO face_locations (rect_top, rect_left, rect_bottom, rect_right)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rect.Top, rect.Left, rect.Bottom, rect.Right).Scan(&id)
	if err != nil {
		return 0, database.Wrap("add location", err)
	}
	return id, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEncoding(ctx context.Context, q rowQuerier, enc facematch.Encoding) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"INSERT INTO face_encodings (encoding) VALUES ($1) RETURNING id",
		pgvector.NewVector(enc.Slice()),
	).Scan(&id)
	if err != nil {
		return 0, database.Wrap("add encoding", err)
	}
	return id, nil
}

// AddEncoding inserts an encoding.
func (r *Registry) AddEncoding(ctx context.Context, enc facematch.Encoding) (int64, error) {
	return insertEncoding(ctx, r.pool.db, enc)
}

// AddFace links a face to its file, location and encoding.
func (r *Registry) AddFace(ctx context.Context, fileID, locationID, encodingID int64) (int64, error) {
	var id int64
	err := r.pool.db.QueryRowContext(ctx,
		"INSERT INTO faces (file_id, location_id, encoding_id) VALUES ($1, $2, $3) RETURNING id",
		fileID, locationID, encodingID,
	).Scan(&id)
	if err != nil {
		return 0, database.Wrap("add face", err)
	}
	return id, nil
}

// MatchOrRegister runs the nearest-neighbor scan and the insert in one
// transaction under an advisory lock.
func (r *Registry) MatchOrRegister(ctx context.Context, enc facematch.Encoding) (database.MatchResult, error) {
	tx, err := r.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return database.MatchResult{}, database.Wrap("match", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", int64(matchLockKey)); err != nil {
		return database.MatchResult{}, database.Wrap("match", err)
	}

	var (
		result   database.MatchResult
		nearest  int64
		distance float64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, encoding <-> $1 AS distance
		FROM face_encodings
		ORDER BY distance ASC, id ASC
		LIMIT 1
	`, pgvector.NewVector(enc.Slice())).Scan(&nearest, &distance)
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
	var vec pgvector.Vector
	err := r.pool.db.QueryRowContext(ctx, "SELECT encoding FROM face_encodings WHERE id = $1", id).Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("encoding %d: %w", id, database.ErrNotFound)
	}
	if err != nil {
		return nil, database.Wrap("get encoding", err)
	}

	enc, err := facematch.NewEncoding(vec.Slice())
	if err != nil {
		return nil, database.Wrap("get encoding", err)
	}
	return &database.StoredEncoding{ID: id, Encoding: enc}, nil
}

// LocateSimilar returns other encodings closer than the threshold, nearest first.
func (r *Registry) LocateSimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	return r.locate(ctx, "locate similar", encodingID, limit, `
		SELECT e.id, e.encoding <-> q.encoding AS distance
		FROM face_encodings e, face_encodings q
		WHERE q.id = $1 AND e.id <> q.id AND e.encoding <-> q.encoding < $2
		ORDER BY distance ASC, e.id ASC
		LIMIT $3
	`)
}

// LocateDissimilar returns encodings farther than the threshold, farthest first.
func (r *Registry) LocateDissimilar(ctx context.Context, encodingID int64, limit int) ([]database.Similar, error) {
	return r.locate(ctx, "locate dissimilar", encodingID, limit, `
		SELECT e.id, e.encoding <-> q.encoding AS distance
		FROM face_encodings e, face_encodings q
		WHERE q.id = $1 AND e.id <> q.id AND e.encoding <-> q.encoding > $2
		ORDER BY distance DESC, e.id ASC
		LIMIT $3
	`)
}

func (r *Registry) locate(ctx context.Context, op string, encodingID int64, limit int, query string) ([]database.Similar, error) {
	if _, err := r.GetEncoding(ctx, encodingID); err != nil {
		return nil, err
	}

	var limitArg any // NULL means no limit
	if limit > 0 {
		limitArg = limit
	}

	rows, err := r.pool.db.QueryContext(ctx, query, encodingID, r.threshold, limitArg)
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
	err := r.pool.db.QueryRowContext(ctx, `
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
	return r.pool.Close()
}

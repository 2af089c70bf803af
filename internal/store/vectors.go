package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/concord/internal/vclock"
)

// GetVector returns the stored vector for a document. The boolean is false
// when the document has never been written.
func (s *SQLiteStore) GetVector(ctx context.Context, database, collection, key string) (vclock.VersionVector, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT vector FROM document_vectors
		WHERE database_name = ? AND collection_name = ? AND doc_key = ?`,
		database, collection, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return vclock.New(), false, nil
	}
	if err != nil {
		return vclock.VersionVector{}, false, fmt.Errorf("get vector: %w", err)
	}

	var v vclock.VersionVector
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return vclock.VersionVector{}, false, fmt.Errorf("decode vector: %w", err)
	}
	return v, true, nil
}

// PutVector replaces the stored vector for a document.
func (s *SQLiteStore) PutVector(ctx context.Context, database, collection, key string, v vclock.VersionVector) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode vector: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_vectors (database_name, collection_name, doc_key, vector, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(database_name, collection_name, doc_key)
		DO UPDATE SET vector = excluded.vector, updated_at = excluded.updated_at`,
		database, collection, key, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put vector: %w", err)
	}
	return nil
}

// MergeVector merges v into the stored vector and returns the result.
func (s *SQLiteStore) MergeVector(ctx context.Context, database, collection, key string, v vclock.VersionVector) (vclock.VersionVector, error) {
	current, _, err := s.GetVector(ctx, database, collection, key)
	if err != nil {
		return vclock.VersionVector{}, err
	}
	merged := current.Merged(v)
	if err := s.PutVector(ctx, database, collection, key, merged); err != nil {
		return vclock.VersionVector{}, err
	}
	return merged, nil
}

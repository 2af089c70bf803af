package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetSyncMeta returns the value for key, or "" when unset.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta %s: %w", key, err)
	}
	return value, nil
}

// SetSyncMeta upserts key.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	return setMetaTx(ctx, s.db, key, value)
}

func setMetaTx(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta %s: %w", key, err)
	}
	return nil
}

// SyncMetaWithPrefix returns every key starting with prefix, with the prefix
// stripped.
func (s *SQLiteStore) SyncMetaWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM sync_meta WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("query sync meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan sync meta: %w", err)
		}
		out[k[len(prefix):]] = v
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	_ "modernc.org/sqlite"
)

// sortableTime is a fixed-width RFC 3339 layout whose strings sort in time
// order.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the SQLite-backed node database: replication log, document
// vectors, conflicts and sync metadata.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	nodeID string
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithNodeID sets the node that owns this log. Entries appended without a
// node id are attributed to it.
func WithNodeID(id string) Option {
	return func(s *SQLiteStore) { s.nodeID = id }
}

// NewSQLiteStore opens (creating if needed) the database at dbPath, applies
// pragmas and runs migrations.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, nodeID: "local"}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.SetSyncMeta(context.Background(), concordsync.SyncMetaNodeID, s.nodeID); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("node database opened",
		"component", "store",
		"action", "open",
		"path", dbPath,
		"node_id", s.nodeID,
	)
	return s, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// NodeID returns the owning node.
func (s *SQLiteStore) NodeID() string {
	return s.nodeID
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetStats returns counts across the node database.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{NodeID: s.nodeID}

	seq, err := s.CurrentSequence(ctx)
	if err != nil {
		return nil, err
	}
	stats.CurrentSequence = seq

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM replication_log`, &stats.LogEntries},
		{`SELECT COUNT(*) FROM document_vectors`, &stats.TrackedDocuments},
		{`SELECT COUNT(*) FROM conflicts WHERE status = 'pending'`, &stats.PendingConflicts},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("get stats: %w", err)
		}
	}

	if v, err := s.GetSyncMeta(ctx, concordsync.SyncMetaLastSnapshotAt); err == nil && v != "" {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			stats.LastSnapshot = &t
		}
	}
	return stats, nil
}

// snapshotPath is where GenerateSnapshot writes the current snapshot.
func (s *SQLiteStore) snapshotPath() string {
	return filepath.Join(filepath.Dir(s.path), "snapshots", "current.db")
}

// GenerateSnapshot writes a consistent copy of the database with VACUUM INTO
// and returns its path. The previous snapshot is replaced atomically.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) (string, error) {
	if s.path == ":memory:" {
		return "", fmt.Errorf("snapshot of in-memory database not supported")
	}

	final := s.snapshotPath()
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := final + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return "", fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("replace snapshot: %w", err)
	}

	if err := s.SetSyncMeta(ctx, concordsync.SyncMetaLastSnapshotAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", err
	}
	return final, nil
}

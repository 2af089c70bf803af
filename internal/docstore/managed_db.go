package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	metaFileName = "meta.yaml"
	dbFileName   = "documents.db"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		name       TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		doc_key    TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, doc_key)
	)`,
}

// managedDB is one open database directory with access tracking.
type managedDB struct {
	name     string
	basePath string
	db       *sql.DB
	meta     *DatabaseMeta

	mu        sync.Mutex
	metaDirty bool
}

// openDatabase opens an existing database directory.
func openDatabase(name, basePath string) (*managedDB, error) {
	meta, err := LoadDatabaseMeta(filepath.Join(basePath, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("load database metadata: %w", err)
	}

	dsn := filepath.Join(basePath, dbFileName) + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database file: %w", err)
	}

	stmts := append([]string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}, schema...)
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize database: %w", err)
		}
	}

	return &managedDB{
		name:     name,
		basePath: basePath,
		db:       db,
		meta:     meta,
	}, nil
}

// touchAccessed updates last_accessed. Metadata is written on close.
func (d *managedDB) touchAccessed() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.meta.LastAccessed = time.Now().UTC()
	d.metaDirty = true
}

// flushMeta saves metadata to disk if dirty.
func (d *managedDB) flushMeta() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.metaDirty {
		return nil
	}
	if err := SaveDatabaseMeta(filepath.Join(d.basePath, metaFileName), d.meta); err != nil {
		return err
	}
	d.metaDirty = false
	return nil
}

func (d *managedDB) snapshotMeta() DatabaseMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.meta
}

// close flushes metadata and closes the database file.
func (d *managedDB) close() error {
	if err := d.flushMeta(); err != nil {
		slog.Warn("failed to flush database metadata",
			"component", "docstore",
			"database", d.name,
			"error", err,
		)
	}
	return d.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ensureCollection registers collection if it is not already present.
func ensureCollection(ctx context.Context, ex execer, collection string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)`,
		collection, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	return nil
}

func (d *managedDB) collectionExists(ctx context.Context, collection string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, collection).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup collection: %w", err)
	}
	return n > 0, nil
}

func (d *managedDB) collections(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

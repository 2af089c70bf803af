package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SQLiteEngine stores each database in its own directory under rootPath,
// holding a meta.yaml and a documents.db. Databases are opened lazily.
type SQLiteEngine struct {
	rootPath string

	mu  sync.RWMutex
	dbs map[string]*managedDB
}

var _ Engine = (*SQLiteEngine)(nil)

// NewSQLiteEngine creates an engine rooted at rootPath, creating the
// directory if needed.
func NewSQLiteEngine(rootPath string) (*SQLiteEngine, error) {
	if strings.HasPrefix(rootPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		rootPath = filepath.Join(home, rootPath[2:])
	}

	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("create storage root directory: %w", err)
	}

	return &SQLiteEngine{
		rootPath: rootPath,
		dbs:      make(map[string]*managedDB),
	}, nil
}

// RootPath returns the storage root directory.
func (e *SQLiteEngine) RootPath() string {
	return e.rootPath
}

func (e *SQLiteEngine) databasePath(name string) string {
	return filepath.Join(e.rootPath, name)
}

// open returns the loaded database, loading it if necessary. When create is
// set a missing database is created, otherwise ErrNotFound is returned.
func (e *SQLiteEngine) open(name string, create bool) (*managedDB, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	e.mu.RLock()
	if d, ok := e.dbs[name]; ok {
		e.mu.RUnlock()
		d.touchAccessed()
		return d, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.dbs[name]; ok {
		d.touchAccessed()
		return d, nil
	}

	path := e.databasePath(name)
	if _, err := os.Stat(filepath.Join(path, metaFileName)); os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("database %q: %w", name, ErrNotFound)
		}
		if err := e.createDir(name, ""); err != nil {
			return nil, err
		}
		slog.Info("database auto-created",
			"component", "docstore",
			"action", "database_created",
			"database", name,
		)
	}

	d, err := openDatabase(name, path)
	if err != nil {
		return nil, fmt.Errorf("load database %q: %w", name, err)
	}
	e.dbs[name] = d
	d.touchAccessed()
	return d, nil
}

// createDir creates a database directory with metadata.
func (e *SQLiteEngine) createDir(name, description string) error {
	path := e.databasePath(name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}

	if err := SaveDatabaseMeta(filepath.Join(path, metaFileName), NewDatabaseMeta(description)); err != nil {
		os.RemoveAll(path)
		return fmt.Errorf("write database metadata: %w", err)
	}
	return nil
}

// CreateDatabase creates a new, empty database.
func (e *SQLiteEngine) CreateDatabase(ctx context.Context, name, description string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := os.Stat(filepath.Join(e.databasePath(name), metaFileName)); err == nil {
		return fmt.Errorf("database %q: %w", name, ErrAlreadyExists)
	}
	if err := e.createDir(name, description); err != nil {
		return err
	}

	d, err := openDatabase(name, e.databasePath(name))
	if err != nil {
		return fmt.Errorf("load new database %q: %w", name, err)
	}
	e.dbs[name] = d

	slog.Info("database created",
		"component", "docstore",
		"action", "database_created",
		"database", name,
	)
	return nil
}

// DeleteDatabase closes and removes a database.
func (e *SQLiteEngine) DeleteDatabase(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	path := e.databasePath(name)
	if _, err := os.Stat(filepath.Join(path, metaFileName)); os.IsNotExist(err) {
		return fmt.Errorf("database %q: %w", name, ErrNotFound)
	}

	if d, ok := e.dbs[name]; ok {
		if err := d.db.Close(); err != nil {
			slog.Warn("error closing database before deletion",
				"component", "docstore",
				"database", name,
				"error", err,
			)
		}
		delete(e.dbs, name)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove database directory: %w", err)
	}

	slog.Info("database deleted",
		"component", "docstore",
		"action", "database_deleted",
		"database", name,
	)
	return nil
}

// ListDatabases returns information for every database under the root.
func (e *SQLiteEngine) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	entries, err := os.ReadDir(e.rootPath)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}

	result := make([]DatabaseInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(e.rootPath, entry.Name(), metaFileName)); err != nil {
			continue
		}

		info, err := e.DatabaseInfo(ctx, entry.Name())
		if err != nil {
			slog.Warn("error reading database",
				"component", "docstore",
				"database", entry.Name(),
				"error", err,
			)
			continue
		}
		result = append(result, info)
	}
	return result, nil
}

// DatabaseInfo describes a single database.
func (e *SQLiteEngine) DatabaseInfo(ctx context.Context, name string) (DatabaseInfo, error) {
	d, err := e.open(name, false)
	if err != nil {
		return DatabaseInfo{}, err
	}

	meta := d.snapshotMeta()
	info := DatabaseInfo{
		Name:         name,
		Created:      meta.Created,
		LastAccessed: meta.LastAccessed,
		Description:  meta.Description,
	}

	if st, err := os.Stat(filepath.Join(d.basePath, dbFileName)); err == nil {
		info.SizeBytes = st.Size()
	}

	if info.Collections, err = d.collections(ctx); err != nil {
		return DatabaseInfo{}, err
	}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&info.Documents); err != nil {
		return DatabaseInfo{}, fmt.Errorf("count documents: %w", err)
	}
	return info, nil
}

// CreateCollection registers a collection, creating the database if needed.
func (e *SQLiteEngine) CreateCollection(ctx context.Context, database, collection string) error {
	if err := ValidateName(collection); err != nil {
		return err
	}
	d, err := e.open(database, true)
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)`,
		collection, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %s/%s: %w", database, collection, ErrAlreadyExists)
	}
	return nil
}

// DeleteCollection removes a collection and its documents.
func (e *SQLiteEngine) DeleteCollection(ctx context.Context, database, collection string) error {
	d, err := e.existingCollection(ctx, database, collection)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return tx.Commit()
}

// TruncateCollection removes every document but keeps the collection.
func (e *SQLiteEngine) TruncateCollection(ctx context.Context, database, collection string) error {
	d, err := e.existingCollection(ctx, database, collection)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("truncate collection: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) existingCollection(ctx context.Context, database, collection string) (*managedDB, error) {
	if err := ValidateName(collection); err != nil {
		return nil, err
	}
	d, err := e.open(database, false)
	if err != nil {
		return nil, err
	}
	ok, err := d.collectionExists(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("collection %s/%s: %w", database, collection, ErrNotFound)
	}
	return d, nil
}

// Get returns the document body.
func (e *SQLiteEngine) Get(ctx context.Context, database, collection, key string) (json.RawMessage, error) {
	if err := ValidateName(collection); err != nil {
		return nil, err
	}
	d, err := e.open(database, false)
	if err != nil {
		return nil, err
	}

	var data string
	err = d.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND doc_key = ?`, collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s/%s/%s: %w", database, collection, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return json.RawMessage(data), nil
}

// Insert stores a new document and fails with ErrAlreadyExists if the key is
// taken.
func (e *SQLiteEngine) Insert(ctx context.Context, database, collection, key string, data json.RawMessage) error {
	d, err := e.writable(database, collection, Document{Key: key, Data: data})
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureCollection(ctx, tx, collection); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (collection, doc_key, data, updated_at)
		VALUES (?, ?, ?, ?)`, collection, key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s/%s/%s: %w", database, collection, key, ErrAlreadyExists)
	}
	return tx.Commit()
}

// Update stores the document, creating it if absent.
func (e *SQLiteEngine) Update(ctx context.Context, database, collection, key string, data json.RawMessage) error {
	return e.UpsertBatch(ctx, database, collection, []Document{{Key: key, Data: data}})
}

// UpsertBatch stores every document in one transaction.
func (e *SQLiteEngine) UpsertBatch(ctx context.Context, database, collection string, docs []Document) error {
	d, err := e.writable(database, collection, docs...)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureCollection(ctx, tx, collection); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, doc := range docs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (collection, doc_key, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, doc_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			collection, doc.Key, string(doc.Data), now)
		if err != nil {
			return fmt.Errorf("upsert document %q: %w", doc.Key, err)
		}
	}
	return tx.Commit()
}

// writable validates a write and opens (or creates) its database.
func (e *SQLiteEngine) writable(database, collection string, docs ...Document) (*managedDB, error) {
	if err := ValidateName(collection); err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if doc.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrInvalidDocument)
		}
		if !json.Valid(doc.Data) {
			return nil, fmt.Errorf("%w: %q is not valid JSON", ErrInvalidDocument, doc.Key)
		}
	}
	return e.open(database, true)
}

// Delete removes a document.
func (e *SQLiteEngine) Delete(ctx context.Context, database, collection, key string) error {
	if err := ValidateName(collection); err != nil {
		return err
	}
	d, err := e.open(database, false)
	if err != nil {
		return err
	}

	res, err := d.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND doc_key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s/%s/%s: %w", database, collection, key, ErrNotFound)
	}
	return nil
}

// Scan calls fn for every document in key order. Documents are read before
// fn is first called, so fn may write to the engine.
func (e *SQLiteEngine) Scan(ctx context.Context, database, collection string, fn func(Document) error) error {
	d, err := e.existingCollection(ctx, database, collection)
	if err != nil {
		return err
	}

	rows, err := d.db.QueryContext(ctx,
		`SELECT doc_key, data FROM documents WHERE collection = ? ORDER BY doc_key`, collection)
	if err != nil {
		return fmt.Errorf("scan documents: %w", err)
	}

	var docs []Document
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			rows.Close()
			return fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, Document{Key: key, Data: json.RawMessage(data)})
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("iterate documents: %w", err)
	}

	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every loaded database.
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var lastErr error
	for name, d := range e.dbs {
		if err := d.close(); err != nil {
			slog.Error("error closing database",
				"component", "docstore",
				"database", name,
				"error", err,
			)
			lastErr = err
		}
	}
	e.dbs = make(map[string]*managedDB)
	return lastErr
}

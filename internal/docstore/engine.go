// Package docstore defines the document storage engine replicated by
// concord and provides a SQLite reference engine with one directory per
// database.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound indicates the database, collection or document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a create collided with an existing object.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidName indicates a database or collection name failed validation.
	ErrInvalidName = errors.New("invalid name")
	// ErrInvalidDocument indicates a document key is empty or its body is not JSON.
	ErrInvalidDocument = errors.New("invalid document")
)

// Document is a keyed JSON document.
type Document struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Engine is the storage surface the replication layer writes through.
// Document writes create the database and collection when missing.
type Engine interface {
	CreateDatabase(ctx context.Context, name, description string) error
	DeleteDatabase(ctx context.Context, name string) error
	ListDatabases(ctx context.Context) ([]DatabaseInfo, error)
	DatabaseInfo(ctx context.Context, name string) (DatabaseInfo, error)

	CreateCollection(ctx context.Context, database, collection string) error
	DeleteCollection(ctx context.Context, database, collection string) error
	TruncateCollection(ctx context.Context, database, collection string) error

	Get(ctx context.Context, database, collection, key string) (json.RawMessage, error)
	Insert(ctx context.Context, database, collection, key string, data json.RawMessage) error
	Update(ctx context.Context, database, collection, key string, data json.RawMessage) error
	Delete(ctx context.Context, database, collection, key string) error
	UpsertBatch(ctx context.Context, database, collection string, docs []Document) error
	Scan(ctx context.Context, database, collection string, fn func(Document) error) error

	Close() error
}

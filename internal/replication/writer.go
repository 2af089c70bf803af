package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/hyperengineering/concord/internal/docstore"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

const lockStripes = 64

// Write describes one mutation to sequence into the local log.
type Write struct {
	Database   string
	Collection string
	Key        string
	Operation  concordsync.Operation
	Data       json.RawMessage

	// Author is recorded as the entry's node id. Empty means this node, and
	// only writes authored by this node advance its vector counter.
	Author string
	// Vector, when set, is merged into the stored document vector.
	Vector *vclock.VersionVector
	// LogOnly sequences the entry without touching storage or the stored
	// vector.
	LogOnly bool
	// IgnoreMissing treats a delete of an absent document as applied.
	IgnoreMissing bool
}

// Writer is the local write path: apply to storage, advance the document
// vector, append to the log and publish.
type Writer struct {
	nodeID string
	engine docstore.Engine
	store  Store
	clock  *vclock.Clock
	pub    Publisher

	locks [lockStripes]lockStripe
}

type lockStripe struct {
	ch chan struct{}
}

// NewWriter creates a writer for nodeID. pub may be nil.
func NewWriter(nodeID string, engine docstore.Engine, st Store, clock *vclock.Clock, pub Publisher) *Writer {
	if pub == nil {
		pub = nopPublisher{}
	}
	if clock == nil {
		clock = vclock.NewClock()
	}
	w := &Writer{
		nodeID: nodeID,
		engine: engine,
		store:  st,
		clock:  clock,
		pub:    pub,
	}
	for i := range w.locks {
		w.locks[i].ch = make(chan struct{}, 1)
	}
	return w
}

// NodeID returns the local node.
func (w *Writer) NodeID() string { return w.nodeID }

// Clock returns the writer's hybrid logical clock.
func (w *Writer) Clock() *vclock.Clock { return w.clock }

// Engine returns the storage engine writes are applied to.
func (w *Writer) Engine() docstore.Engine { return w.engine }

// SetPublisher replaces the publisher. It must be called before writes start.
func (w *Writer) SetPublisher(pub Publisher) {
	if pub == nil {
		pub = nopPublisher{}
	}
	w.pub = pub
}

func (w *Writer) stripe(database, collection, key string) *lockStripe {
	h := xxhash.Sum64String(database + "\x00" + collection + "\x00" + key)
	return &w.locks[h%lockStripes]
}

// lock acquires the stripe for a document, honoring ctx.
func (w *Writer) lock(ctx context.Context, database, collection, key string) (func(), error) {
	s := w.stripe(database, collection, key)
	select {
	case s.ch <- struct{}{}:
		return func() { <-s.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DocTx is exclusive access to one document's vector for the duration of a
// Transact callback.
type DocTx struct {
	ctx        context.Context
	w          *Writer
	database   string
	collection string
	key        string
}

// Vector returns the stored vector and whether the document has one.
func (tx *DocTx) Vector() (vclock.VersionVector, bool, error) {
	return tx.w.store.GetVector(tx.ctx, tx.database, tx.collection, tx.key)
}

// Current returns the stored document, or nil when it does not exist.
func (tx *DocTx) Current() (json.RawMessage, error) {
	data, err := tx.w.engine.Get(tx.ctx, tx.database, tx.collection, tx.key)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

// Write sequences wr against the locked document. The target fields of wr
// are taken from the transaction.
func (tx *DocTx) Write(wr Write) (*concordsync.LogEntry, error) {
	wr.Database, wr.Collection, wr.Key = tx.database, tx.collection, tx.key
	return tx.w.writeDocument(tx.ctx, wr)
}

// MergeVector merges v into the stored vector.
func (tx *DocTx) MergeVector(v vclock.VersionVector) (vclock.VersionVector, error) {
	stored, _, err := tx.Vector()
	if err != nil {
		return vclock.VersionVector{}, err
	}
	merged := stored.Merged(v)
	if err := tx.w.store.PutVector(tx.ctx, tx.database, tx.collection, tx.key, merged); err != nil {
		return vclock.VersionVector{}, err
	}
	return merged, nil
}

// Transact runs fn with the document locked.
func (w *Writer) Transact(ctx context.Context, database, collection, key string, fn func(tx *DocTx) error) error {
	unlock, err := w.lock(ctx, database, collection, key)
	if err != nil {
		return err
	}
	defer unlock()

	return fn(&DocTx{ctx: ctx, w: w, database: database, collection: collection, key: key})
}

// Write applies and sequences wr.
func (w *Writer) Write(ctx context.Context, wr Write) (*concordsync.LogEntry, error) {
	if !isDocumentOp(wr.Operation) {
		return w.writeSchema(ctx, wr)
	}

	var entry *concordsync.LogEntry
	err := w.Transact(ctx, wr.Database, wr.Collection, wr.Key, func(tx *DocTx) error {
		var err error
		entry, err = tx.Write(wr)
		return err
	})
	return entry, err
}

func isDocumentOp(op concordsync.Operation) bool {
	switch op {
	case concordsync.OpInsert, concordsync.OpUpdate, concordsync.OpDelete,
		concordsync.OpColumnarInsert, concordsync.OpColumnarDelete:
		return true
	}
	return false
}

// writeDocument must be called with the document stripe held.
func (w *Writer) writeDocument(ctx context.Context, wr Write) (*concordsync.LogEntry, error) {
	if wr.Key == "" {
		return nil, fmt.Errorf("%w: empty key", docstore.ErrInvalidDocument)
	}

	if !wr.LogOnly {
		if err := w.applyDocument(ctx, wr); err != nil {
			return nil, err
		}
	}

	stored, _, err := w.store.GetVector(ctx, wr.Database, wr.Collection, wr.Key)
	if err != nil {
		return nil, err
	}

	next := stored.Clone()
	if wr.Vector != nil {
		next.Merge(*wr.Vector)
	}

	var ts vclock.Timestamp
	if wr.Author == "" || wr.Author == w.nodeID {
		next.Increment(w.nodeID)
		ts = w.clock.Stamp(&next)
	} else {
		ts = w.clock.Update(vclock.Timestamp{Physical: next.HLCTimestamp(), Logical: next.HLCCounter()})
	}

	if !wr.LogOnly {
		if err := w.store.PutVector(ctx, wr.Database, wr.Collection, wr.Key, next); err != nil {
			return nil, err
		}
	}

	return w.append(ctx, wr, ts, &next)
}

func (w *Writer) applyDocument(ctx context.Context, wr Write) error {
	switch wr.Operation {
	case concordsync.OpInsert:
		return w.engine.Insert(ctx, wr.Database, wr.Collection, wr.Key, wr.Data)
	case concordsync.OpUpdate, concordsync.OpColumnarInsert:
		return w.engine.Update(ctx, wr.Database, wr.Collection, wr.Key, wr.Data)
	default:
		err := w.engine.Delete(ctx, wr.Database, wr.Collection, wr.Key)
		if wr.IgnoreMissing && errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		return err
	}
}

func (w *Writer) writeSchema(ctx context.Context, wr Write) (*concordsync.LogEntry, error) {
	if !wr.LogOnly {
		var err error
		switch wr.Operation {
		case concordsync.OpCreateDatabase:
			err = w.engine.CreateDatabase(ctx, wr.Database, "")
		case concordsync.OpDeleteDatabase:
			err = w.engine.DeleteDatabase(ctx, wr.Database)
		case concordsync.OpCreateCollection, concordsync.OpColumnarCreateCollection:
			err = w.engine.CreateCollection(ctx, wr.Database, wr.Collection)
		case concordsync.OpDeleteCollection, concordsync.OpColumnarDropCollection:
			err = w.engine.DeleteCollection(ctx, wr.Database, wr.Collection)
		case concordsync.OpTruncateCollection, concordsync.OpColumnarTruncate:
			err = w.engine.TruncateCollection(ctx, wr.Database, wr.Collection)
		default:
			err = fmt.Errorf("operation %s is not supported by the local write path", wr.Operation)
		}
		if err != nil {
			return nil, err
		}
	}
	return w.append(ctx, wr, w.clock.Now(), nil)
}

func (w *Writer) append(ctx context.Context, wr Write, ts vclock.Timestamp, vector *vclock.VersionVector) (*concordsync.LogEntry, error) {
	author := wr.Author
	if author == "" {
		author = w.nodeID
	}

	entry := concordsync.LogEntry{
		NodeID:     author,
		OriginNode: w.nodeID,
		Database:   wr.Database,
		Collection: wr.Collection,
		Operation:  wr.Operation,
		Key:        wr.Key,
		Data:       wr.Data,
		Timestamp:  ts.Physical,
		Vector:     vector,
	}
	if concordsync.IsDeleteLike(wr.Operation) {
		entry.Data = nil
	}

	if _, err := w.store.Append(ctx, &entry); err != nil {
		return nil, fmt.Errorf("append log entry: %w", err)
	}

	slog.Debug("write sequenced",
		"component", "replication",
		"action", "local_write",
		"sequence", entry.Sequence,
		"operation", string(entry.Operation),
		"database", entry.Database,
		"collection", entry.Collection,
		"key", entry.Key,
	)

	w.pub.Publish([]concordsync.LogEntry{entry})
	return &entry, nil
}

// Insert creates a document.
func (w *Writer) Insert(ctx context.Context, database, collection, key string, data json.RawMessage) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Key: key, Operation: concordsync.OpInsert, Data: data})
}

// Update stores a document, creating it when absent.
func (w *Writer) Update(ctx context.Context, database, collection, key string, data json.RawMessage) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Key: key, Operation: concordsync.OpUpdate, Data: data})
}

// Delete removes a document.
func (w *Writer) Delete(ctx context.Context, database, collection, key string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Key: key, Operation: concordsync.OpDelete})
}

// CreateDatabase creates a database.
func (w *Writer) CreateDatabase(ctx context.Context, database string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Operation: concordsync.OpCreateDatabase})
}

// DeleteDatabase removes a database.
func (w *Writer) DeleteDatabase(ctx context.Context, database string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Operation: concordsync.OpDeleteDatabase})
}

// CreateCollection creates a collection.
func (w *Writer) CreateCollection(ctx context.Context, database, collection string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Operation: concordsync.OpCreateCollection})
}

// DeleteCollection removes a collection.
func (w *Writer) DeleteCollection(ctx context.Context, database, collection string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Operation: concordsync.OpDeleteCollection})
}

// TruncateCollection removes every document in a collection.
func (w *Writer) TruncateCollection(ctx context.Context, database, collection string) (*concordsync.LogEntry, error) {
	return w.Write(ctx, Write{Database: database, Collection: collection, Operation: concordsync.OpTruncateCollection})
}

package store

import (
	"context"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// ReplicationLog is the append-only, sequenced log of document mutations.
type ReplicationLog interface {
	Append(ctx context.Context, entry *concordsync.LogEntry) (uint64, error)
	AppendBatch(ctx context.Context, entries []concordsync.LogEntry) error
	EntriesAfter(ctx context.Context, afterSeq uint64, limit int) ([]concordsync.LogEntry, error)
	CurrentSequence(ctx context.Context) (uint64, error)
}

// VectorStore persists the causal state of each document.
type VectorStore interface {
	GetVector(ctx context.Context, database, collection, key string) (vclock.VersionVector, bool, error)
	PutVector(ctx context.Context, database, collection, key string, v vclock.VersionVector) error
	MergeVector(ctx context.Context, database, collection, key string, v vclock.VersionVector) (vclock.VersionVector, error)
}

// ConflictStore persists conflicts awaiting manual resolution.
type ConflictStore interface {
	RecordConflict(ctx context.Context, rec *concordsync.ConflictRecord) error
	PendingConflicts(ctx context.Context, deviceID string) ([]concordsync.ConflictRecord, error)
	PendingConflictForKey(ctx context.Context, deviceID, key string) (*concordsync.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id, resolution string, at time.Time) error
}

// MetaStore is a small key/value table for node bookkeeping.
type MetaStore interface {
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	SyncMetaWithPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// Store is everything a node persists outside the document engine.
type Store interface {
	ReplicationLog
	VectorStore
	ConflictStore
	MetaStore
	MaxSequenceByNode(ctx context.Context) (map[string]uint64, error)
	Trim(ctx context.Context, maxEntries int) (int64, error)
	GetStats(ctx context.Context) (*Stats, error)
	GenerateSnapshot(ctx context.Context) (string, error)
	NodeID() string
	Close() error
}

// Stats is an overview of the node database.
type Stats struct {
	NodeID           string     `json:"node_id"`
	CurrentSequence  uint64     `json:"current_sequence"`
	LogEntries       int64      `json:"log_entries"`
	TrackedDocuments int64      `json:"tracked_documents"`
	PendingConflicts int64      `json:"pending_conflicts"`
	LastSnapshot     *time.Time `json:"last_snapshot,omitempty"`
}

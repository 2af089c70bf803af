// Package replication moves replication-log entries between nodes. The
// Writer sequences local writes, the Applier consumes entries from peers and
// the Gossiper pushes each node's log to its peers.
package replication

import (
	"context"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// MetaStore is the key/value bookkeeping the replication layer persists.
type MetaStore interface {
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	SyncMetaWithPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// Store is the node database used by this package.
type Store interface {
	MetaStore
	Append(ctx context.Context, entry *concordsync.LogEntry) (uint64, error)
	AppendBatch(ctx context.Context, entries []concordsync.LogEntry) error
	EntriesAfter(ctx context.Context, afterSeq uint64, limit int) ([]concordsync.LogEntry, error)
	CurrentSequence(ctx context.Context) (uint64, error)
	MaxSequenceByNode(ctx context.Context) (map[string]uint64, error)
	GetVector(ctx context.Context, database, collection, key string) (vclock.VersionVector, bool, error)
	PutVector(ctx context.Context, database, collection, key string, v vclock.VersionVector) error
}

// Publisher receives entries once they are in the local log.
type Publisher interface {
	Publish(entries []concordsync.LogEntry)
}

type nopPublisher struct{}

func (nopPublisher) Publish([]concordsync.LogEntry) {}

// ServerVector builds the node's vector from the highest origin sequence per
// origin node in the log.
func ServerVector(ctx context.Context, st Store) (vclock.VersionVector, error) {
	maxSeq, err := st.MaxSequenceByNode(ctx)
	if err != nil {
		return vclock.VersionVector{}, err
	}
	v := vclock.New()
	for node, seq := range maxSeq {
		v.Nodes[node] = seq
	}
	return v, nil
}

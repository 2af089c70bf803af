package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/shard"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// Membership reports the sorted cluster members and this node's index.
type Membership interface {
	Members() ([]string, int)
}

// StaticMembership is a fixed member list.
type StaticMembership struct {
	Self  string
	Peers []string
}

// Members implements Membership.
func (m StaticMembership) Members() ([]string, int) {
	return shard.Members(m.Self, m.Peers)
}

// ApplierConfig wires an Applier.
type ApplierConfig struct {
	Writer     *Writer
	Tracker    *OriginTracker
	Shards     *shard.Registry
	Membership Membership
}

// Applier consumes replication messages from peers: filter already-seen and
// self-originated entries, group document writes, apply them to storage
// where this node holds the shard, then persist every accepted entry to the
// local log.
type Applier struct {
	w          *Writer
	tracker    *OriginTracker
	shards     *shard.Registry
	membership Membership
}

// NewApplier creates an applier.
func NewApplier(cfg ApplierConfig) *Applier {
	m := cfg.Membership
	if m == nil {
		m = StaticMembership{Self: cfg.Writer.nodeID}
	}
	return &Applier{
		w:          cfg.Writer,
		tracker:    cfg.Tracker,
		shards:     cfg.Shards,
		membership: m,
	}
}

// Tracker returns the origin tracker.
func (a *Applier) Tracker() *OriginTracker { return a.tracker }

// writeGroup is a run of document writes to one collection.
type writeGroup struct {
	database   string
	collection string
	entries    []concordsync.LogEntry
}

// Apply processes msg. Storage failures are isolated per group and counted;
// only a failure to persist to the local log is returned.
func (a *Applier) Apply(ctx context.Context, msg *concordsync.ReplicationMessage) (concordsync.ApplyResult, error) {
	var res concordsync.ApplyResult
	if msg == nil {
		return res, fmt.Errorf("nil replication message")
	}
	res.Received = len(msg.Entries)

	accepted, previous := a.filter(msg.Entries)
	res.Accepted = len(accepted)
	res.Skipped = res.Received - res.Accepted
	if len(accepted) == 0 {
		return res, nil
	}

	var pending []*writeGroup
	index := make(map[string]*writeGroup)
	flush := func() {
		for _, g := range pending {
			a.applyGroup(ctx, g, &res)
		}
		pending = pending[:0]
		index = make(map[string]*writeGroup)
	}

	for _, e := range accepted {
		if e.Operation.IsDocumentWrite() {
			gk := e.Database + "\x00" + e.Collection
			g, ok := index[gk]
			if !ok {
				g = &writeGroup{database: e.Database, collection: e.Collection}
				index[gk] = g
				pending = append(pending, g)
			}
			g.entries = append(g.entries, e)
			continue
		}

		flush()
		a.applyOne(ctx, e, &res)
	}
	flush()

	persist := make([]concordsync.LogEntry, len(accepted))
	for i, e := range accepted {
		e.Sequence = 0
		persist[i] = e
	}
	if err := a.w.store.AppendBatch(ctx, persist); err != nil {
		for origin, seq := range previous {
			a.tracker.Rollback(origin, seq)
		}
		return res, fmt.Errorf("persist replicated entries: %w", err)
	}
	res.Persisted = len(persist)

	if err := a.tracker.Flush(ctx); err != nil {
		slog.Warn("origin sequences not persisted",
			"component", "replication",
			"action", "flush_origins",
			"error", err,
		)
	}

	a.w.pub.Publish(persist)

	slog.Info("replication batch applied",
		"component", "replication",
		"action", "apply_batch",
		"from_node", msg.FromNode,
		"received", res.Received,
		"accepted", res.Accepted,
		"applied", res.Applied,
		"shard_filtered", res.ShardFiltered,
		"failed", res.Failed,
	)
	return res, nil
}

// filter drops self-originated and already-seen entries. It returns the
// accepted entries, normalized, and the tracker value each touched origin
// held before this message.
func (a *Applier) filter(entries []concordsync.LogEntry) ([]concordsync.LogEntry, map[string]uint64) {
	local := a.w.nodeID
	accepted := make([]concordsync.LogEntry, 0, len(entries))
	previous := make(map[string]uint64)

	for _, e := range entries {
		if e.OriginNode == "" {
			e.OriginNode = e.NodeID
		}
		if e.OriginSequence == 0 && e.OriginNode == e.NodeID {
			e.OriginSequence = e.Sequence
		}

		if e.NodeID == local || e.OriginNode == local {
			continue
		}

		// Without an origin sequence the entry cannot be deduplicated and
		// would be relogged under a foreign origin.
		if e.OriginSequence == 0 {
			slog.Warn("replicated entry without origin sequence dropped",
				"component", "replication",
				"action", "filter",
				"node_id", e.NodeID,
				"origin_node", e.OriginNode,
				"key", e.Key,
			)
			continue
		}

		origin := e.Origin()
		if _, ok := previous[origin]; !ok {
			previous[origin] = a.tracker.Last(origin)
		}
		if !a.tracker.CheckAndUpdate(origin, e.OriginSequence) {
			continue
		}

		a.w.clock.Update(vclock.Timestamp{Physical: e.Timestamp})
		accepted = append(accepted, e)
	}
	return accepted, previous
}

// ownsKey reports whether this node holds the shard of a document. Deletes
// carry no data, so field-routed collections route them by the stored copy;
// a delete of a document this node never stored is a no-op and is let through.
func (a *Applier) ownsKey(ctx context.Context, e concordsync.LogEntry) bool {
	cfg, ok := a.shards.Get(e.Database, e.Collection)
	if !ok {
		return true
	}
	data := e.Data
	if len(data) == 0 && cfg.RoutesByField() {
		stored, err := a.w.engine.Get(ctx, e.Database, e.Collection, e.Key)
		if err != nil {
			return true
		}
		data = stored
	}
	members, self := a.membership.Members()
	sh := shard.Route(cfg.RoutingKey(e.Key, data), cfg.NumShards)
	return shard.IsShardReplica(sh, self, cfg.ReplicationFactor, len(members))
}

func (a *Applier) applyGroup(ctx context.Context, g *writeGroup, res *concordsync.ApplyResult) {
	owned := make([]concordsync.LogEntry, 0, len(g.entries))
	for _, e := range g.entries {
		if !json.Valid(e.Data) {
			res.Failed++
			slog.Warn("replicated document skipped",
				"component", "replication",
				"action", "apply_group",
				"database", g.database,
				"collection", g.collection,
				"key", e.Key,
				"error", docstore.ErrInvalidDocument,
			)
			continue
		}
		if a.ownsKey(ctx, e) {
			owned = append(owned, e)
		} else {
			res.ShardFiltered++
		}
	}
	if len(owned) == 0 {
		return
	}

	docs := make([]docstore.Document, len(owned))
	for i, e := range owned {
		docs[i] = docstore.Document{Key: e.Key, Data: e.Data}
	}

	if err := a.w.engine.UpsertBatch(ctx, g.database, g.collection, docs); err != nil {
		res.Failed += len(owned)
		slog.Error("replicated batch failed",
			"component", "replication",
			"action", "apply_group",
			"database", g.database,
			"collection", g.collection,
			"entries", len(owned),
			"error", err,
		)
		return
	}
	res.Applied += len(owned)

	for _, e := range owned {
		a.mergeVector(ctx, e)
	}
}

func (a *Applier) mergeVector(ctx context.Context, e concordsync.LogEntry) {
	err := a.w.Transact(ctx, e.Database, e.Collection, e.Key, func(tx *DocTx) error {
		_, err := tx.MergeVector(e.CausalVector())
		return err
	})
	if err != nil {
		slog.Warn("document vector not merged",
			"component", "replication",
			"action", "merge_vector",
			"database", e.Database,
			"collection", e.Collection,
			"key", e.Key,
			"error", err,
		)
	}
}

// applyOne applies a non-batched entry, treating already-applied states as
// success.
func (a *Applier) applyOne(ctx context.Context, e concordsync.LogEntry, res *concordsync.ApplyResult) {
	var err error
	switch e.Operation {
	case concordsync.OpDelete, concordsync.OpColumnarDelete:
		if !a.ownsKey(ctx, e) {
			res.ShardFiltered++
			return
		}
		err = ignore(a.w.engine.Delete(ctx, e.Database, e.Collection, e.Key), docstore.ErrNotFound)
		if err == nil {
			a.mergeVector(ctx, e)
		}

	case concordsync.OpColumnarInsert:
		if !a.ownsKey(ctx, e) {
			res.ShardFiltered++
			return
		}
		err = a.w.engine.Update(ctx, e.Database, e.Collection, e.Key, e.Data)
		if err == nil {
			a.mergeVector(ctx, e)
		}

	case concordsync.OpCreateDatabase:
		err = ignore(a.w.engine.CreateDatabase(ctx, e.Database, ""), docstore.ErrAlreadyExists)
	case concordsync.OpDeleteDatabase:
		err = ignore(a.w.engine.DeleteDatabase(ctx, e.Database), docstore.ErrNotFound)
	case concordsync.OpCreateCollection, concordsync.OpColumnarCreateCollection:
		err = ignore(a.w.engine.CreateCollection(ctx, e.Database, e.Collection), docstore.ErrAlreadyExists)
	case concordsync.OpDeleteCollection, concordsync.OpColumnarDropCollection:
		err = ignore(a.w.engine.DeleteCollection(ctx, e.Database, e.Collection), docstore.ErrNotFound)
	case concordsync.OpTruncateCollection, concordsync.OpColumnarTruncate:
		err = ignore(a.w.engine.TruncateCollection(ctx, e.Database, e.Collection), docstore.ErrNotFound)

	case concordsync.OpPutBlobChunk, concordsync.OpDeleteBlob:
		slog.Debug("blob operation skipped",
			"component", "replication",
			"action", "skip_blob",
			"operation", string(e.Operation),
			"key", e.Key,
		)
		return

	default:
		err = fmt.Errorf("unsupported operation %q", e.Operation)
	}

	if err != nil {
		res.Failed++
		slog.Error("replicated entry failed",
			"component", "replication",
			"action", "apply_entry",
			"operation", string(e.Operation),
			"database", e.Database,
			"collection", e.Collection,
			"key", e.Key,
			"error", err,
		)
		return
	}
	res.Applied++
}

func ignore(err, target error) error {
	if errors.Is(err, target) {
		return nil
	}
	return err
}

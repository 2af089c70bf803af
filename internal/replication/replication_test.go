package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/shard"
	"github.com/hyperengineering/concord/internal/store"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	entries []concordsync.LogEntry
}

func (r *recorder) Publish(entries []concordsync.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type node struct {
	id      string
	store   *store.SQLiteStore
	engine  *docstore.SQLiteEngine
	writer  *Writer
	applier *Applier
	pub     *recorder
}

type nodeOption func(*ApplierConfig)

func withShards(r *shard.Registry, peers ...string) nodeOption {
	return func(c *ApplierConfig) {
		c.Shards = r
		c.Membership = StaticMembership{Self: c.Writer.NodeID(), Peers: peers}
	}
}

func newNode(t *testing.T, id string, opts ...nodeOption) *node {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", store.WithNodeID(id))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, err := docstore.NewSQLiteEngine(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	pub := &recorder{}
	w := NewWriter(id, engine, st, vclock.NewClock(), pub)

	tracker, err := NewOriginTracker(context.Background(), st, nil)
	require.NoError(t, err)

	cfg := ApplierConfig{Writer: w, Tracker: tracker}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &node{id: id, store: st, engine: engine, writer: w, applier: NewApplier(cfg), pub: pub}
}

func (n *node) doc(t *testing.T, db, coll, key string) (json.RawMessage, bool) {
	t.Helper()
	data, err := n.engine.Get(context.Background(), db, coll, key)
	if err != nil {
		require.ErrorIs(t, err, docstore.ErrNotFound)
		return nil, false
	}
	return data, true
}

func remoteEntry(origin string, seq uint64, op concordsync.Operation, db, coll, key, data string) concordsync.LogEntry {
	e := concordsync.LogEntry{
		Sequence:       seq,
		NodeID:         origin,
		OriginNode:     origin,
		OriginSequence: seq,
		Database:       db,
		Collection:     coll,
		Operation:      op,
		Key:            key,
		Timestamp:      1000 + seq,
	}
	if data != "" {
		e.Data = json.RawMessage(data)
	}
	return e
}

func message(from string, entries ...concordsync.LogEntry) *concordsync.ReplicationMessage {
	return &concordsync.ReplicationMessage{FromNode: from, Entries: entries}
}

func TestWriter_InsertSequencesAndVersions(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	entry, err := n.writer.Insert(ctx, "app", "users", "u1", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, "node-a", entry.NodeID)
	assert.Equal(t, "node-a", entry.OriginNode)
	require.NotNil(t, entry.Vector)
	assert.Equal(t, uint64(1), entry.Vector.Get("node-a"))
	assert.NotZero(t, entry.Timestamp)

	data, ok := n.doc(t, "app", "users", "u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"Ada"}`, string(data))

	v, found, err := n.store.GetVector(ctx, "app", "users", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), v.Get("node-a"))
	assert.Equal(t, 1, n.pub.count())

	_, err = n.writer.Insert(ctx, "app", "users", "u1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, docstore.ErrAlreadyExists)
	assert.Equal(t, 1, n.pub.count(), "failed writes are not published")
}

func TestWriter_DeleteOmitsData(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	_, err := n.writer.Update(ctx, "app", "users", "u1", json.RawMessage(`{}`))
	require.NoError(t, err)
	entry, err := n.writer.Delete(ctx, "app", "users", "u1")
	require.NoError(t, err)

	assert.Nil(t, entry.Data)
	assert.Equal(t, uint64(2), entry.Vector.Get("node-a"))

	_, err = n.writer.Delete(ctx, "app", "users", "u1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestWriter_ConcurrentUpdatesNeverLoseIncrements(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := n.writer.Update(ctx, "app", "counters", "c1", json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	v, _, err := n.store.GetVector(ctx, "app", "counters", "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), v.Get("node-a"))
}

func TestWriter_SchemaOperations(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	_, err := n.writer.CreateDatabase(ctx, "app")
	require.NoError(t, err)
	_, err = n.writer.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	_, err = n.writer.Update(ctx, "app", "users", "u1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = n.writer.TruncateCollection(ctx, "app", "users")
	require.NoError(t, err)
	_, ok := n.doc(t, "app", "users", "u1")
	assert.False(t, ok)
	_, err = n.writer.DeleteCollection(ctx, "app", "users")
	require.NoError(t, err)
	_, err = n.writer.DeleteDatabase(ctx, "app")
	require.NoError(t, err)

	entries, err := n.store.EntriesAfter(ctx, 0, 100)
	require.NoError(t, err)
	ops := make([]concordsync.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
	}
	assert.Equal(t, []concordsync.Operation{
		concordsync.OpCreateDatabase, concordsync.OpCreateCollection, concordsync.OpUpdate,
		concordsync.OpTruncateCollection, concordsync.OpDeleteCollection, concordsync.OpDeleteDatabase,
	}, ops)
	assert.Nil(t, entries[0].Vector, "schema entries carry no document vector")
}

func TestWriter_DeviceAuthoredWriteKeepsDeviceVector(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	client := vclock.WithNode("phone", 3)
	client.SetHLC(5000, 1)
	entry, err := n.writer.Write(ctx, Write{
		Database: "app", Collection: "notes", Key: "n1",
		Operation: concordsync.OpUpdate, Data: json.RawMessage(`{"t":"hi"}`),
		Author: "phone", Vector: &client,
	})
	require.NoError(t, err)

	assert.Equal(t, "phone", entry.NodeID)
	assert.Equal(t, "node-a", entry.OriginNode)
	assert.Equal(t, uint64(3), entry.Vector.Get("phone"))
	assert.Zero(t, entry.Vector.Get("node-a"), "device writes do not advance the server counter")
	assert.GreaterOrEqual(t, entry.Timestamp, uint64(5000), "clock observes the device HLC")
}

func TestWriter_LogOnlyLeavesStorage(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	_, err := n.writer.Update(ctx, "app", "notes", "n1", json.RawMessage(`{"v":"server"}`))
	require.NoError(t, err)

	_, err = n.writer.Write(ctx, Write{
		Database: "app", Collection: "notes", Key: "n1",
		Operation: concordsync.OpUpdate, Data: json.RawMessage(`{"v":"stale"}`),
		Author: "phone", LogOnly: true,
	})
	require.NoError(t, err)

	data, _ := n.doc(t, "app", "notes", "n1")
	assert.JSONEq(t, `{"v":"server"}`, string(data))
	seq, err := n.store.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestApplier_AppliesAndPersists(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	res, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "users", "u1", `{"n":1}`),
		remoteEntry("node-b", 2, concordsync.OpInsert, "app", "users", "u2", `{"n":2}`),
	))
	require.NoError(t, err)

	assert.Equal(t, concordsync.ApplyResult{Received: 2, Accepted: 2, Applied: 2, Persisted: 2}, res)

	data, ok := n.doc(t, "app", "users", "u2")
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(data))

	entries, err := n.store.EntriesAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "node-b", entries[0].NodeID)
	assert.Equal(t, "node-b", entries[0].OriginNode)
	assert.Equal(t, uint64(1), entries[0].OriginSequence)

	v, _, err := n.store.GetVector(ctx, "app", "users", "u2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.Get("node-b"))
	assert.Equal(t, 2, n.pub.count())
}

func TestApplier_CycleBound(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	msg := message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "users", "u1", `{}`),
		remoteEntry("node-b", 2, concordsync.OpInsert, "app", "users", "u2", `{}`),
	)
	_, err := n.applier.Apply(ctx, msg)
	require.NoError(t, err)

	// The same entries relayed again, directly or through a third node.
	res, err := n.applier.Apply(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 2, res.Skipped)

	relayed := remoteEntry("node-b", 2, concordsync.OpInsert, "app", "users", "u2", `{}`)
	relayed.Sequence = 77
	res, err = n.applier.Apply(ctx, message("node-c", relayed))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)

	seq, err := n.store.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq, "duplicates are never re-logged")
}

func TestApplier_DropsSelfOriginated(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	own := remoteEntry("node-a", 1, concordsync.OpInsert, "app", "users", "u1", `{}`)
	echoed := remoteEntry("phone", 9, concordsync.OpInsert, "app", "users", "u2", `{}`)
	echoed.OriginNode = "node-a"

	res, err := n.applier.Apply(ctx, message("node-b", own, echoed))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 2, res.Skipped)
	_, ok := n.doc(t, "app", "users", "u1")
	assert.False(t, ok)
}

func TestApplier_TrackerSurvivesRestart(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	_, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 5, concordsync.OpInsert, "app", "users", "u1", `{}`),
	))
	require.NoError(t, err)

	reloaded, err := NewOriginTracker(ctx, n.store, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), reloaded.Last("node-b"))
	assert.False(t, reloaded.CheckAndUpdate("node-b", 5))
	assert.True(t, reloaded.CheckAndUpdate("node-b", 6))
}

func TestOriginTracker_SeedRaisesStoredValue(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	require.NoError(t, n.store.SetSyncMeta(ctx, concordsync.SyncMetaOriginPrefix+"node-b", "3"))
	tr, err := NewOriginTracker(ctx, n.store, map[string]uint64{"node-b": 9, "node-c": 1})
	require.NoError(t, err)

	assert.Equal(t, uint64(9), tr.Last("node-b"))
	assert.Equal(t, uint64(1), tr.Last("node-c"))
	require.NoError(t, tr.Flush(ctx))

	raw, err := n.store.GetSyncMeta(ctx, concordsync.SyncMetaOriginPrefix+"node-b")
	require.NoError(t, err)
	assert.Equal(t, "9", raw)

	tr.Rollback("node-b", 4)
	assert.Equal(t, uint64(4), tr.Last("node-b"))
	assert.Equal(t, map[string]uint64{"node-b": 4, "node-c": 1}, tr.Snapshot())
}

func TestApplier_IdempotentReplayForEveryOperation(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	entries := []concordsync.LogEntry{
		remoteEntry("node-b", 1, concordsync.OpCreateDatabase, "app", "", "", ""),
		remoteEntry("node-b", 2, concordsync.OpCreateCollection, "app", "users", "", ""),
		remoteEntry("node-b", 3, concordsync.OpInsert, "app", "users", "u1", `{"v":1}`),
		remoteEntry("node-b", 4, concordsync.OpUpdate, "app", "users", "u1", `{"v":2}`),
		remoteEntry("node-b", 5, concordsync.OpInsert, "app", "users", "u2", `{"v":1}`),
		remoteEntry("node-b", 6, concordsync.OpDelete, "app", "users", "u2", ""),
		remoteEntry("node-b", 7, concordsync.OpColumnarCreateCollection, "app", "metrics", "", ""),
		remoteEntry("node-b", 8, concordsync.OpColumnarInsert, "app", "metrics", "m1", `{"x":1}`),
		remoteEntry("node-b", 9, concordsync.OpColumnarDelete, "app", "metrics", "m1", ""),
		remoteEntry("node-b", 10, concordsync.OpColumnarTruncate, "app", "metrics", "", ""),
		remoteEntry("node-b", 11, concordsync.OpColumnarDropCollection, "app", "metrics", "", ""),
		remoteEntry("node-b", 12, concordsync.OpCreateCollection, "app", "tmp", "", ""),
		remoteEntry("node-b", 13, concordsync.OpTruncateCollection, "app", "tmp", "", ""),
		remoteEntry("node-b", 14, concordsync.OpDeleteCollection, "app", "tmp", "", ""),
		remoteEntry("node-b", 15, concordsync.OpCreateDatabase, "scratch", "", "", ""),
		remoteEntry("node-b", 16, concordsync.OpDeleteDatabase, "scratch", "", "", ""),
		remoteEntry("node-b", 17, concordsync.OpPutBlobChunk, "app", "files", "f1", `{"chunk":0}`),
		remoteEntry("node-b", 18, concordsync.OpDeleteBlob, "app", "files", "f1", ""),
	}

	first, err := n.applier.Apply(ctx, message("node-b", entries...))
	require.NoError(t, err)
	assert.Zero(t, first.Failed)
	assert.Equal(t, len(entries), first.Persisted)

	snapshot := func() []docstore.DatabaseInfo {
		dbs, err := n.engine.ListDatabases(ctx)
		require.NoError(t, err)
		for i := range dbs {
			dbs[i].LastAccessed = dbs[i].Created
			dbs[i].SizeBytes = 0
		}
		return dbs
	}
	before := snapshot()

	// Redelivery after the tracker state is lost must not fail or change state.
	tracker, err := NewOriginTracker(ctx, &memMeta{}, nil)
	require.NoError(t, err)
	replayer := NewApplier(ApplierConfig{Writer: n.writer, Tracker: tracker})

	second, err := replayer.Apply(ctx, message("node-b", entries...))
	require.NoError(t, err)
	assert.Zero(t, second.Failed)
	assert.Equal(t, before, snapshot())

	data, ok := n.doc(t, "app", "users", "u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))
	_, ok = n.doc(t, "app", "users", "u2")
	assert.False(t, ok)
}

func TestApplier_DeleteOrderedAgainstInserts(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	_, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "users", "k", `{"v":1}`),
		remoteEntry("node-b", 2, concordsync.OpDelete, "app", "users", "k", ""),
		remoteEntry("node-b", 3, concordsync.OpInsert, "app", "users", "j", `{"v":1}`),
		remoteEntry("node-b", 4, concordsync.OpDelete, "app", "users", "j", ""),
		remoteEntry("node-b", 5, concordsync.OpInsert, "app", "users", "j", `{"v":2}`),
	))
	require.NoError(t, err)

	_, ok := n.doc(t, "app", "users", "k")
	assert.False(t, ok, "delete after insert wins")
	data, ok := n.doc(t, "app", "users", "j")
	require.True(t, ok, "insert after delete wins")
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestApplier_GroupFailureIsolated(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	res, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "bad name", "x", `{}`),
		remoteEntry("node-b", 2, concordsync.OpInsert, "app", "users", "u1", `{}`),
	))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Persisted, "failed entries are still persisted for re-gossip")
	_, ok := n.doc(t, "app", "users", "u1")
	assert.True(t, ok)
}

func TestApplier_InvalidDocumentSkippedWithinGroup(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	res, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "users", "bad", ""),
		remoteEntry("node-b", 2, concordsync.OpInsert, "app", "users", "u1", `{"ok":true}`),
		remoteEntry("node-b", 3, concordsync.OpUpdate, "app", "users", "u2", `{"ok":`),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, res.Persisted)
	data, ok := n.doc(t, "app", "users", "u1")
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	_, ok = n.doc(t, "app", "users", "bad")
	assert.False(t, ok)
}

func TestApplier_DropsEntryWithoutOriginSequence(t *testing.T) {
	n := newNode(t, "node-a")
	ctx := context.Background()

	relayed := remoteEntry("node-b", 4, concordsync.OpInsert, "app", "users", "u1", `{}`)
	relayed.OriginNode = "node-c"
	relayed.OriginSequence = 0

	res, err := n.applier.Apply(ctx, message("node-b", relayed))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 1, res.Skipped)

	seq, err := n.store.CurrentSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	bySource, err := n.store.MaxSequenceByNode(ctx)
	require.NoError(t, err)
	assert.Zero(t, bySource["node-c"])
}

func TestApplier_FieldShardedDeleteFollowsStoredDocument(t *testing.T) {
	cfg := shard.Config{NumShards: 8, ReplicationFactor: 1, ShardKey: "tenant"}
	registry, err := shard.NewRegistry(map[string]shard.Config{"app/users": cfg})
	require.NoError(t, err)
	n := newNode(t, "node-a", withShards(registry, "node-b"))
	ctx := context.Background()

	members, self := shard.Members("node-a", []string{"node-b"})
	owns := func(v string) bool {
		return shard.IsShardReplica(shard.Route(v, cfg.NumShards), self, cfg.ReplicationFactor, len(members))
	}
	var tenant, key string
	for i := 0; tenant == "" || key == ""; i++ {
		v := fmt.Sprintf("v%d", i)
		if tenant == "" && owns(v) {
			tenant = v
		}
		if key == "" && !owns(v) {
			key = v
		}
	}

	res, err := n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 1, concordsync.OpInsert, "app", "users", key, fmt.Sprintf(`{"tenant":%q}`, tenant)),
	))
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	res, err = n.applier.Apply(ctx, message("node-b",
		remoteEntry("node-b", 2, concordsync.OpDelete, "app", "users", key, ""),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.ShardFiltered)
	_, ok := n.doc(t, "app", "users", key)
	assert.False(t, ok, "delete must reach the node holding the document")
}

func TestApplier_ShardFiltering(t *testing.T) {
	registry, err := shard.NewRegistry(map[string]shard.Config{"app/users": {NumShards: 8, ReplicationFactor: 1}})
	require.NoError(t, err)
	n := newNode(t, "node-a", withShards(registry, "node-b"))
	ctx := context.Background()

	var entries []concordsync.LogEntry
	for i := 1; i <= 40; i++ {
		entries = append(entries, remoteEntry("node-b", uint64(i), concordsync.OpInsert, "app", "users", fmt.Sprintf("u%d", i), `{}`))
	}
	entries = append(entries, remoteEntry("node-b", 41, concordsync.OpInsert, "app", "orders", "o1", `{}`))

	res, err := n.applier.Apply(ctx, message("node-b", entries...))
	require.NoError(t, err)

	members, self := shard.Members("node-a", []string{"node-b"})
	owned := 0
	for i := 1; i <= 40; i++ {
		key := fmt.Sprintf("u%d", i)
		mine := shard.IsShardReplica(shard.Route(key, 8), self, 1, len(members))
		_, stored := n.doc(t, "app", "users", key)
		assert.Equal(t, mine, stored, "key %s", key)
		if mine {
			owned++
		}
	}
	assert.Greater(t, owned, 0)
	assert.Less(t, owned, 40)
	assert.Equal(t, owned+1, res.Applied, "unsharded collections are always applied")
	assert.Equal(t, 40-owned, res.ShardFiltered)
	assert.Equal(t, 41, res.Persisted)
}

func TestApplier_NilMessage(t *testing.T) {
	n := newNode(t, "node-a")
	_, err := n.applier.Apply(context.Background(), nil)
	assert.Error(t, err)
}

type memMeta struct {
	mu sync.Mutex
	m  map[string]string
}

func (m *memMeta) GetSyncMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[key], nil
}

func (m *memMeta) SetSyncMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[string]string)
	}
	m.m[key] = value
	return nil
}

func (m *memMeta) SyncMetaWithPrefix(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.m {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}

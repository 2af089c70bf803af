package replication

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	concordsync "github.com/hyperengineering/concord/internal/sync"
)

// OriginTracker remembers the highest origin sequence accepted from each
// origin node. An entry is accepted at most once per origin sequence, which
// bounds replication cycles. State is written through to sync_meta.
type OriginTracker struct {
	store MetaStore

	mu    sync.Mutex
	seen  map[string]uint64
	dirty map[string]bool
}

// NewOriginTracker loads persisted origin sequences, raised to at least the
// values in seed.
func NewOriginTracker(ctx context.Context, st MetaStore, seed map[string]uint64) (*OriginTracker, error) {
	t := &OriginTracker{
		store: st,
		seen:  make(map[string]uint64),
		dirty: make(map[string]bool),
	}

	stored, err := st.SyncMetaWithPrefix(ctx, concordsync.SyncMetaOriginPrefix)
	if err != nil {
		return nil, fmt.Errorf("load origin sequences: %w", err)
	}
	for node, raw := range stored {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			slog.Warn("ignoring unreadable origin sequence",
				"component", "replication",
				"origin", node,
				"value", raw,
			)
			continue
		}
		t.seen[node] = seq
	}
	for node, seq := range seed {
		if seq > t.seen[node] {
			t.seen[node] = seq
			t.dirty[node] = true
		}
	}
	return t, nil
}

// CheckAndUpdate accepts seq from origin only when it is greater than every
// sequence accepted before, and records it.
func (t *OriginTracker) CheckAndUpdate(origin string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.seen[origin] {
		return false
	}
	t.seen[origin] = seq
	t.dirty[origin] = true
	return true
}

// Rollback lowers origin back to seq after a failed persist.
func (t *OriginTracker) Rollback(origin string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen[origin] > seq {
		t.seen[origin] = seq
		t.dirty[origin] = true
	}
}

// Last returns the highest sequence accepted from origin.
func (t *OriginTracker) Last(origin string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[origin]
}

// Snapshot returns a copy of the tracked sequences.
func (t *OriginTracker) Snapshot() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]uint64, len(t.seen))
	for k, v := range t.seen {
		out[k] = v
	}
	return out
}

// Flush writes changed sequences to the meta store.
func (t *OriginTracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	pending := make(map[string]uint64, len(t.dirty))
	for node := range t.dirty {
		pending[node] = t.seen[node]
	}
	t.dirty = make(map[string]bool)
	t.mu.Unlock()

	for node, seq := range pending {
		key := concordsync.SyncMetaOriginPrefix + node
		if err := t.store.SetSyncMeta(ctx, key, strconv.FormatUint(seq, 10)); err != nil {
			t.mu.Lock()
			for n := range pending {
				t.dirty[n] = true
			}
			t.mu.Unlock()
			return fmt.Errorf("persist origin sequence: %w", err)
		}
	}
	return nil
}

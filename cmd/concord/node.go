package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/concord/internal/config"
	"github.com/hyperengineering/concord/internal/conflict"
	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/session"
	"github.com/hyperengineering/concord/internal/snapshot"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/stream"
	"github.com/hyperengineering/concord/internal/syncsvc"
	"github.com/hyperengineering/concord/internal/vclock"
)

// node holds every long-lived component of a running server.
type node struct {
	store    *store.SQLiteStore
	engine   *docstore.SQLiteEngine
	writer   *replication.Writer
	applier  *replication.Applier
	gossiper *replication.Gossiper
	sessions *session.Manager
	sync     *syncsvc.Service
	hub      *stream.Hub
	uploader snapshot.Uploader
}

// openNode wires the node from configuration. On error everything opened so
// far is closed.
func openNode(ctx context.Context, cfg *config.Config) (n *node, err error) {
	n = &node{}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	// Node database (migrations, WAL mode)
	n.store, err = store.NewSQLiteStore(cfg.Database.Path, store.WithNodeID(cfg.Node.ID))
	if err != nil {
		return nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "node_id", cfg.Node.ID)

	n.engine, err = docstore.NewSQLiteEngine(cfg.Storage.RootPath)
	if err != nil {
		return nil, err
	}
	slog.Info("document engine initialized", "root", n.engine.RootPath())

	shards, err := cfg.Sharding.Registry()
	if err != nil {
		return nil, err
	}
	defaultStrategy, strategies, err := cfg.Sync.Strategies()
	if err != nil {
		return nil, err
	}

	n.sessions = session.NewManager(cfg.Sync.SessionSecret, session.WithTTL(time.Duration(cfg.Sync.SessionTTL)))
	n.hub = stream.NewHub(n.sessions, stream.DefaultConfig())
	n.writer = replication.NewWriter(cfg.Node.ID, n.engine, n.store, vclock.NewClock(), n.hub)

	seed, err := n.store.MaxSequenceByNode(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed origin tracker: %w", err)
	}
	tracker, err := replication.NewOriginTracker(ctx, n.store, seed)
	if err != nil {
		return nil, err
	}
	n.applier = replication.NewApplier(replication.ApplierConfig{
		Writer:     n.writer,
		Tracker:    tracker,
		Shards:     shards,
		Membership: replication.StaticMembership{Self: cfg.Node.ID, Peers: cfg.Cluster.PeerIDs()},
	})

	if len(cfg.Cluster.Peers) > 0 {
		peers := make([]replication.Peer, 0, len(cfg.Cluster.Peers))
		for _, p := range cfg.Cluster.Peers {
			peers = append(peers, replication.Peer{ID: p.ID, URL: p.URL})
		}
		n.gossiper, err = replication.NewGossiper(ctx, n.store, replication.GossipConfig{
			NodeID:      cfg.Node.ID,
			Secret:      cfg.Cluster.Secret,
			Peers:       peers,
			BatchSize:   cfg.Cluster.BatchSize,
			MaxAttempts: uint64(cfg.Cluster.RetryMaxAttempts),
			Compress:    cfg.Cluster.Compress,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("gossiper initialized", "peers", len(peers))
	}

	n.sync = syncsvc.New(n.sessions, n.writer, n.store, syncsvc.Config{
		DefaultPullLimit: cfg.Sync.DefaultPullLimit,
		MaxPullLimit:     cfg.Sync.MaxPullLimit,
		DefaultStrategy:  defaultStrategy,
		Strategies:       strategies,
		Evaluator:        conflict.FieldRuleEvaluator{},
	})

	n.uploader, err = snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		return nil, err
	}

	return n, nil
}

// close releases resources in reverse order of opening.
func (n *node) close() {
	if n.hub != nil {
		n.hub.Close()
	}
	if n.engine != nil {
		if err := n.engine.Close(); err != nil {
			slog.Error("engine close error", "error", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			slog.Error("store close error", "error", err)
		}
	}
}

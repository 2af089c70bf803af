package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/concord/internal/snapshot"
)

// SnapshotStore is the node database as seen by the snapshot coordinator.
// Implemented by store.SQLiteStore.
type SnapshotStore interface {
	// GenerateSnapshot writes a consistent copy and returns its path.
	GenerateSnapshot(ctx context.Context) (string, error)
	NodeID() string
}

// SnapshotCoordinator periodically snapshots the node database and uploads
// the result when S3 storage is configured.
type SnapshotCoordinator struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator. uploader may be nil.
func NewSnapshotCoordinator(store SnapshotStore, interval time.Duration, uploader snapshot.Uploader) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run generates a snapshot immediately, then on every interval, until ctx
// is cancelled.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce generates and uploads one snapshot. It reports success.
func (c *SnapshotCoordinator) RunOnce(ctx context.Context) bool {
	path, err := c.store.GenerateSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_complete",
		"path", path,
	)

	if c.uploader != nil {
		c.upload(ctx, path)
	}
	return true
}

// upload failures are not fatal; the local snapshot remains valid.
func (c *SnapshotCoordinator) upload(ctx context.Context, path string) {
	nodeID := c.store.NodeID()
	if err := c.uploader.Upload(ctx, nodeID, path); err != nil {
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"node_id", nodeID,
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"node_id", nodeID,
	)
}

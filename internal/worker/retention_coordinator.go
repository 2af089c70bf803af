package worker

import (
	"context"
	"log/slog"
	"time"
)

// TrimmableLog is a replication log that can drop its oldest entries.
// Implemented by store.SQLiteStore.
type TrimmableLog interface {
	Trim(ctx context.Context, maxEntries int) (int64, error)
}

// RetentionCoordinator keeps the replication log at or below maxEntries.
type RetentionCoordinator struct {
	log        TrimmableLog
	maxEntries int
	interval   time.Duration
}

// NewRetentionCoordinator creates a retention coordinator.
func NewRetentionCoordinator(log TrimmableLog, maxEntries int, interval time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		log:        log,
		maxEntries: maxEntries,
		interval:   interval,
	}
}

// Run trims on every interval until ctx is cancelled. The first trim waits
// for one interval so startup is not slowed by a large delete.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "worker_started",
		"max_entries", c.maxEntries,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce trims the log once and returns the number of removed entries.
func (c *RetentionCoordinator) RunOnce(ctx context.Context) int64 {
	if c.maxEntries <= 0 {
		return 0
	}

	start := time.Now()
	deleted, err := c.log.Trim(ctx, c.maxEntries)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("log trim failed",
				"component", "worker",
				"worker", "retention-coordinator",
				"action", "trim_failed",
				"error", err,
			)
		}
		return 0
	}

	if deleted > 0 {
		slog.Info("log trimmed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "trim_complete",
			"deleted", deleted,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return deleted
}

package worker

import (
	"context"
	"log/slog"
	"time"
)

// Gossiper pushes unsent log entries to every peer once.
// Implemented by replication.Gossiper.
type Gossiper interface {
	RunOnce(ctx context.Context) error
}

// GossipCoordinator drives peer replication on a fixed tick. A failed
// round leaves the per-peer cursors in place, so the next tick retries.
type GossipCoordinator struct {
	gossiper Gossiper
	interval time.Duration
}

// NewGossipCoordinator creates a gossip coordinator.
func NewGossipCoordinator(g Gossiper, interval time.Duration) *GossipCoordinator {
	return &GossipCoordinator{gossiper: g, interval: interval}
}

// Run gossips on every interval until ctx is cancelled.
func (c *GossipCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "gossip-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var failing bool
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "gossip-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			err := c.gossiper.RunOnce(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				// Ticks are frequent; log transitions only.
				if !failing {
					slog.Warn("gossip round failed",
						"component", "worker",
						"worker", "gossip-coordinator",
						"action", "gossip_failed",
						"error", err,
					)
				}
				failing = true
			case err == nil && failing:
				slog.Info("gossip recovered",
					"component", "worker",
					"worker", "gossip-coordinator",
					"action", "gossip_recovered",
				)
				failing = false
			}
		}
	}
}

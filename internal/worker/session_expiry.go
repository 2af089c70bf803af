package worker

import (
	"context"
	"log/slog"
	"time"
)

// SessionExpirer removes idle sync sessions.
// Implemented by session.Manager.
type SessionExpirer interface {
	ExpireInactive(now time.Time) int
}

// SessionExpiryWorker periodically drops sessions past their idle TTL.
type SessionExpiryWorker struct {
	sessions SessionExpirer
	interval time.Duration
	now      func() time.Time
}

// NewSessionExpiryWorker creates a session expiry worker.
func NewSessionExpiryWorker(sessions SessionExpirer, interval time.Duration) *SessionExpiryWorker {
	return &SessionExpiryWorker{sessions: sessions, interval: interval, now: time.Now}
}

// Run expires sessions on every interval until ctx is cancelled.
func (w *SessionExpiryWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "session-expiry",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "session-expiry",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce()
		}
	}
}

// RunOnce expires sessions once and returns how many were removed.
func (w *SessionExpiryWorker) RunOnce() int {
	removed := w.sessions.ExpireInactive(w.now())
	if removed > 0 {
		slog.Info("sessions expired",
			"component", "worker",
			"worker", "session-expiry",
			"action", "sessions_expired",
			"count", removed,
		)
	}
	return removed
}

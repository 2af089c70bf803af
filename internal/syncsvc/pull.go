package syncsvc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/concord/internal/filter"
	"github.com/hyperengineering/concord/internal/session"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// ToChange converts a log entry into the client representation.
func ToChange(e concordsync.LogEntry) concordsync.SyncChange {
	return concordsync.SyncChange{
		Database:     e.Database,
		Collection:   e.Collection,
		DocumentKey:  e.Key,
		Operation:    concordsync.ChangeOperation(e.Operation),
		DocumentData: e.Data,
		Vector:       e.CausalVector(),
		Timestamp:    e.Timestamp,
	}
}

// Visible reports whether an entry should be delivered to sess. A device's
// own writes are delivered too; clients drop the ones their copy already
// reflects by comparing vectors.
func Visible(sess *session.Session, e concordsync.LogEntry) bool {
	if !sess.Subscribed(e.Database, e.Collection) {
		return false
	}
	if concordsync.IsDeleteLike(e.Operation) {
		return true
	}
	return filter.Match(sess.FilterQuery, e.Data)
}

func (s *Service) pullLimit(requested int) int {
	switch {
	case requested <= 0:
		return s.cfg.DefaultPullLimit
	case requested > s.cfg.MaxPullLimit:
		return s.cfg.MaxPullLimit
	default:
		return requested
	}
}

// Pull returns the next page of changes after the session's last sequence.
func (s *Service) Pull(ctx context.Context, req concordsync.PullRequest) (*concordsync.PullResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	limit := s.pullLimit(req.Limit)
	entries, err := s.store.EntriesAfter(ctx, sess.LastSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	changes := make([]concordsync.SyncChange, 0, len(entries))
	for _, e := range entries {
		if Visible(&sess, e) {
			changes = append(changes, ToChange(e))
		}
	}

	lastSeq := sess.LastSequence
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].Sequence
	}
	if _, err := s.sessions.Update(sess.ID, func(ss *session.Session) {
		if lastSeq > ss.LastSequence {
			ss.LastSequence = lastSeq
		}
		ss.LastVector.Merge(req.ClientVector)
		ss.IsOnline = true
	}); err != nil {
		return nil, err
	}

	sv, err := s.serverVector(ctx, vclock.New())
	if err != nil {
		return nil, err
	}
	conflicts, err := s.store.PendingConflicts(ctx, sess.DeviceID)
	if err != nil {
		return nil, err
	}

	slog.Debug("pull served",
		"component", "sync",
		"action", "pull",
		"device_id", sess.DeviceID,
		"read", len(entries),
		"delivered", len(changes),
		"last_sequence", lastSeq,
	)

	return &concordsync.PullResponse{
		Changes:      changes,
		ServerVector: sv,
		HasMore:      len(entries) == limit,
		Conflicts:    conflicts,
	}, nil
}

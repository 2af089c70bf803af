package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/hyperengineering/concord/internal/conflict"
	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/session"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// Push applies client changes. Invalid changes are rejected individually;
// storage failures abort the push.
func (s *Service) Push(ctx context.Context, req concordsync.PushRequest) (*concordsync.PushResponse, error) {
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	resp := &concordsync.PushResponse{Conflicts: make([]concordsync.ConflictRecord, 0)}
	for i := range req.Changes {
		rec, err := s.pushChange(ctx, &sess, req.Changes[i])
		if errors.Is(err, ErrValidation) {
			resp.Rejected++
			slog.Warn("push change rejected",
				"component", "sync",
				"action", "push",
				"device_id", sess.DeviceID,
				"key", req.Changes[i].DocumentKey,
				"error", err,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		resp.Accepted++
		if rec != nil {
			resp.Conflicts = append(resp.Conflicts, *rec)
		}
	}

	clientVector := req.ClientVector.Clone()
	clientVector.Increment(sess.DeviceID)
	if _, err := s.sessions.Update(sess.ID, func(ss *session.Session) {
		ss.LastVector.Merge(clientVector)
		ss.IsOnline = true
	}); err != nil {
		return nil, err
	}

	sv, err := s.serverVector(ctx, clientVector)
	if err != nil {
		return nil, err
	}
	resp.ServerVector = sv

	slog.Info("push processed",
		"component", "sync",
		"action", "push",
		"device_id", sess.DeviceID,
		"accepted", resp.Accepted,
		"rejected", resp.Rejected,
		"conflicts", len(resp.Conflicts),
	)
	return resp, nil
}

func validateChange(c concordsync.SyncChange) (concordsync.Operation, error) {
	if err := docstore.ValidateName(c.Database); err != nil {
		return "", validationError("database: %v", err)
	}
	if err := docstore.ValidateName(c.Collection); err != nil {
		return "", validationError("collection: %v", err)
	}
	if c.DocumentKey == "" {
		return "", validationError("document_key is required")
	}
	op, ok := c.Operation.LogOperation()
	if !ok {
		return "", validationError("unknown operation %q", c.Operation)
	}
	if op == concordsync.OpDelete {
		return op, nil
	}
	if c.IsDelta {
		if len(c.DeltaPatch) == 0 {
			return "", validationError("delta change requires delta_patch")
		}
		return op, nil
	}
	if len(c.DocumentData) == 0 || !json.Valid(c.DocumentData) {
		return "", validationError("document_data must be valid JSON")
	}
	return op, nil
}

// applyDelta patches the stored document. A missing document patches {}.
func applyDelta(current, patch json.RawMessage) (json.RawMessage, error) {
	p, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, validationError("decode delta_patch: %v", err)
	}
	base := current
	if len(base) == 0 {
		base = json.RawMessage(`{}`)
	}
	out, err := p.Apply(base)
	if err != nil {
		return nil, validationError("apply delta_patch: %v", err)
	}
	return out, nil
}

// pushChange sequences one change under the document lock. It returns the
// conflict record when the change was kept for manual resolution.
func (s *Service) pushChange(ctx context.Context, sess *session.Session, c concordsync.SyncChange) (*concordsync.ConflictRecord, error) {
	op, err := validateChange(c)
	if err != nil {
		return nil, err
	}

	var rec *concordsync.ConflictRecord
	err = s.writer.Transact(ctx, c.Database, c.Collection, c.DocumentKey, func(tx *replication.DocTx) error {
		current, err := tx.Current()
		if err != nil {
			return err
		}

		data := c.DocumentData
		if c.IsDelta && op != concordsync.OpDelete {
			if data, err = applyDelta(current, c.DeltaPatch); err != nil {
				return err
			}
		}
		if op == concordsync.OpDelete {
			data = nil
		} else if op == concordsync.OpInsert && current != nil {
			op = concordsync.OpUpdate
		}

		remote := c.Vector.Clone()
		stored, found, err := tx.Vector()
		if err != nil {
			return err
		}

		client := replication.Write{
			Operation:     op,
			Data:          data,
			Author:        sess.DeviceID,
			Vector:        &remote,
			IgnoreMissing: true,
		}

		if !found {
			_, err := tx.Write(client)
			return err
		}

		switch stored.Compare(remote) {
		case vclock.Dominated, vclock.Equal:
			_, err := tx.Write(client)
			return err

		case vclock.Dominates:
			// Stale: keep the server copy and resend it.
			if err := logOnly(tx, client); err != nil {
				return err
			}
			return writeCurrent(tx, current, nil)
		}

		strategy := s.strategyFor(c.Database, c.Collection)
		info := conflict.NewInfo(c.Database, c.Collection, c.DocumentKey, stored, remote, current, data)
		res := conflict.Resolve(ctx, strategy, info, s.cfg.Evaluator)

		slog.Info("push conflict",
			"component", "sync",
			"action", "resolve_conflict",
			"device_id", sess.DeviceID,
			"key", c.DocumentKey,
			"strategy", strategy.String(),
			"outcome", res.Outcome.String(),
		)

		switch res.Outcome {
		case conflict.RemoteWins:
			_, err := tx.Write(client)
			return err

		case conflict.Merged:
			if err := logOnly(tx, client); err != nil {
				return err
			}
			_, err := tx.Write(replication.Write{Operation: concordsync.OpUpdate, Data: res.Value, Vector: &remote})
			return err

		case conflict.KeepBoth:
			if err := logOnly(tx, client); err != nil {
				return err
			}
			rec = &concordsync.ConflictRecord{
				SessionID:    sess.ID,
				DeviceID:     sess.DeviceID,
				Database:     c.Database,
				Collection:   c.Collection,
				DocumentKey:  c.DocumentKey,
				LocalVector:  stored,
				RemoteVector: remote,
				LocalData:    current,
				RemoteData:   data,
				Marker:       conflict.ApplyResolution(res, current, data),
				Strategy:     strategy.String(),
			}
			if err := s.store.RecordConflict(ctx, rec); err != nil {
				return err
			}
			return writeCurrent(tx, current, nil)

		default:
			if err := logOnly(tx, client); err != nil {
				return err
			}
			return writeCurrent(tx, current, &remote)
		}
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func logOnly(tx *replication.DocTx, wr replication.Write) error {
	wr.LogOnly = true
	_, err := tx.Write(wr)
	return err
}

// writeCurrent re-sequences the stored document as a server write so that
// peers and the device converge on it. vector, when set, is folded into the
// new document vector.
func writeCurrent(tx *replication.DocTx, current json.RawMessage, vector *vclock.VersionVector) error {
	wr := replication.Write{Operation: concordsync.OpUpdate, Data: current, Vector: vector}
	if current == nil {
		wr = replication.Write{Operation: concordsync.OpDelete, Vector: vector, IgnoreMissing: true}
	}
	_, err := tx.Write(wr)
	return err
}

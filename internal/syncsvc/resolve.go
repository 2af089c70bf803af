package syncsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/store"
	concordsync "github.com/hyperengineering/concord/internal/sync"
)

// Resolve settles the pending conflict for a document and writes the chosen
// version as a server update.
func (s *Service) Resolve(ctx context.Context, req concordsync.ResolveRequest) (*concordsync.ResolveResponse, error) {
	switch req.Resolution {
	case concordsync.ResolveLocal, concordsync.ResolveRemote:
	case concordsync.ResolveMerged:
		if len(req.MergedData) == 0 || !json.Valid(req.MergedData) {
			return nil, validationError("merged resolution requires merged_data")
		}
	default:
		return nil, validationError("resolution must be local, remote or merged")
	}
	if req.DocumentKey == "" {
		return nil, validationError("document_key is required")
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.PendingConflictForKey(ctx, sess.DeviceID, req.DocumentKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, req.DocumentKey)
	}
	if err != nil {
		return nil, err
	}

	var data json.RawMessage
	switch req.Resolution {
	case concordsync.ResolveLocal:
		data = rec.LocalData
	case concordsync.ResolveRemote:
		data = rec.RemoteData
	default:
		data = req.MergedData
	}

	vector := rec.LocalVector.Merged(rec.RemoteVector)
	wr := replication.Write{
		Database:   rec.Database,
		Collection: rec.Collection,
		Key:        rec.DocumentKey,
		Operation:  concordsync.OpUpdate,
		Data:       data,
		Vector:     &vector,
	}
	if len(data) == 0 || string(data) == "null" {
		wr.Operation = concordsync.OpDelete
		wr.Data = nil
		wr.IgnoreMissing = true
	}
	if _, err := s.writer.Write(ctx, wr); err != nil {
		return nil, err
	}

	if err := s.store.MarkConflictResolved(ctx, rec.ID, req.Resolution, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflictClosed) {
			return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, req.DocumentKey)
		}
		return nil, err
	}

	slog.Info("conflict resolved",
		"component", "sync",
		"action", "resolve",
		"device_id", sess.DeviceID,
		"key", req.DocumentKey,
		"resolution", req.Resolution,
	)

	return &concordsync.ResolveResponse{
		Success:     true,
		DocumentKey: req.DocumentKey,
		Resolution:  req.Resolution,
	}, nil
}

// Package syncsvc implements the client sync protocol: session
// registration, pull, push, ack and conflict resolution.
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/concord/internal/conflict"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/session"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// Pull limits.
const (
	DefaultPullLimit = 100
	MaxPullLimit     = 1000
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflictNotFound = errors.New("conflict not found")
)

// Store is the node database the service reads and writes.
type Store interface {
	replication.Store
	RecordConflict(ctx context.Context, rec *concordsync.ConflictRecord) error
	PendingConflicts(ctx context.Context, deviceID string) ([]concordsync.ConflictRecord, error)
	PendingConflictForKey(ctx context.Context, deviceID, key string) (*concordsync.ConflictRecord, error)
	MarkConflictResolved(ctx context.Context, id, resolution string, at time.Time) error
}

// Config tunes the service.
type Config struct {
	DefaultPullLimit int
	MaxPullLimit     int
	DefaultStrategy  conflict.Strategy
	// Strategies maps "database/collection" or "collection" to a strategy.
	Strategies map[string]conflict.Strategy
	Evaluator  conflict.ScriptEvaluator
}

// Service serves sync clients.
type Service struct {
	sessions *session.Manager
	writer   *replication.Writer
	store    Store
	cfg      Config
}

// New creates a service.
func New(sessions *session.Manager, writer *replication.Writer, st Store, cfg Config) *Service {
	if cfg.DefaultPullLimit <= 0 {
		cfg.DefaultPullLimit = DefaultPullLimit
	}
	if cfg.MaxPullLimit <= 0 {
		cfg.MaxPullLimit = MaxPullLimit
	}
	if cfg.DefaultPullLimit > cfg.MaxPullLimit {
		cfg.DefaultPullLimit = cfg.MaxPullLimit
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = conflict.FieldRuleEvaluator{}
	}
	return &Service{sessions: sessions, writer: writer, store: st, cfg: cfg}
}

// Sessions returns the session manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// strategyFor picks the most specific configured strategy.
func (s *Service) strategyFor(database, collection string) conflict.Strategy {
	if st, ok := s.cfg.Strategies[database+"/"+collection]; ok {
		return st
	}
	if st, ok := s.cfg.Strategies[collection]; ok {
		return st
	}
	return s.cfg.DefaultStrategy
}

// Negotiate returns the capabilities both sides support.
func Negotiate(client *concordsync.Capabilities) concordsync.Capabilities {
	server := concordsync.ServerCapabilities()
	if client == nil {
		return server
	}
	out := concordsync.Capabilities{
		DeltaSync:    server.DeltaSync && client.DeltaSync,
		CRDTTypes:    server.CRDTTypes && client.CRDTTypes,
		Compression:  server.Compression && client.Compression,
		MaxBatchSize: server.MaxBatchSize,
	}
	if client.MaxBatchSize > 0 && client.MaxBatchSize < out.MaxBatchSize {
		out.MaxBatchSize = client.MaxBatchSize
	}
	return out
}

// Register opens a session.
func (s *Service) Register(ctx context.Context, req concordsync.RegisterRequest) (*concordsync.RegisterResponse, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return nil, validationError("device_id is required")
	}

	sess, err := s.sessions.Register(req.DeviceID, req.APIKey, req.Subscriptions, req.FilterQuery)
	if err != nil {
		return nil, err
	}
	caps := Negotiate(req.Capabilities)
	if _, err := s.sessions.Update(sess.ID, func(ss *session.Session) { ss.Capabilities = caps }); err != nil {
		return nil, err
	}

	sv, err := replication.ServerVector(ctx, s.store)
	if err != nil {
		return nil, fmt.Errorf("server vector: %w", err)
	}

	slog.Info("sync session registered",
		"component", "sync",
		"action", "register",
		"device_id", req.DeviceID,
		"subscriptions", len(req.Subscriptions),
	)

	return &concordsync.RegisterResponse{
		SessionID:    sess.ID,
		ServerVector: sv,
		Capabilities: caps,
	}, nil
}

// Ack records the vector a client has applied.
func (s *Service) Ack(_ context.Context, req concordsync.AckRequest) (*concordsync.AckResponse, error) {
	_, err := s.sessions.Update(req.SessionID, func(ss *session.Session) {
		ss.LastVector = req.AppliedVector.Clone()
		ss.IsOnline = true
	})
	if err != nil {
		return nil, err
	}
	return &concordsync.AckResponse{Success: true}, nil
}

// Conflicts lists pending conflicts for the session's device.
func (s *Service) Conflicts(ctx context.Context, sessionID string) (*concordsync.ConflictsResponse, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.PendingConflicts(ctx, sess.DeviceID)
	if err != nil {
		return nil, err
	}
	return &concordsync.ConflictsResponse{Conflicts: recs}, nil
}

// serverVector is the node vector merged with extra.
func (s *Service) serverVector(ctx context.Context, extra vclock.VersionVector) (vclock.VersionVector, error) {
	sv, err := replication.ServerVector(ctx, s.store)
	if err != nil {
		return vclock.VersionVector{}, fmt.Errorf("server vector: %w", err)
	}
	sv.Merge(extra)
	return sv, nil
}

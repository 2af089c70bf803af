package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/sethvargo/go-retry"
)

// ErrNotConfigured is returned by network operations without a server URL.
var ErrNotConfigured = errors.New("server URL not configured")

// ErrSessionRejected marks a 401/404 session response. The syncer
// re-registers once before surfacing it.
var ErrSessionRejected = errors.New("session rejected")

// HTTPError is a non-2xx server response.
type HTTPError struct {
	Status int
	Type   string
	Detail string
}

// Problem types a node uses for sessions it no longer accepts.
const (
	problemInvalidSession  = "https://concord.dev/errors/invalid-session"
	problemSessionNotFound = "https://concord.dev/errors/session-not-found"
)

// sessionRejected reports whether the node refused the session itself, as
// opposed to the API key or the requested resource.
func (e *HTTPError) sessionRejected() bool {
	switch e.Status {
	case http.StatusUnauthorized:
		return e.Type == problemInvalidSession
	case http.StatusNotFound:
		return e.Type == problemSessionNotFound
	}
	return false
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// Syncer exchanges changes with a Concord node.
type Syncer struct {
	cfg    Config
	store  *Store
	client *http.Client

	mu        sync.Mutex
	sessionID string
}

// NewSyncer creates a new Syncer
func NewSyncer(cfg Config, store *Store) *Syncer {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Syncer{cfg: cfg, store: store, client: client}
}

// Ping checks connectivity to the node
func (s *Syncer) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/api/v1/health", nil, nil)
}

// Register opens a sync session and returns its id.
func (s *Syncer) Register(ctx context.Context) (string, error) {
	var resp concordsync.RegisterResponse
	err := s.do(ctx, http.MethodPost, "/api/v1/sync/session", concordsync.RegisterRequest{
		DeviceID:      s.store.DeviceID(),
		APIKey:        s.cfg.APIKey,
		Subscriptions: s.cfg.Subscriptions,
		FilterQuery:   s.cfg.FilterQuery,
		Capabilities:  &concordsync.Capabilities{DeltaSync: true},
	}, &resp)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessionID = resp.SessionID
	s.mu.Unlock()
	return resp.SessionID, nil
}

func (s *Syncer) session(ctx context.Context) (string, error) {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id != "" {
		return id, nil
	}
	return s.Register(ctx)
}

// withSession runs fn with a session id, re-registering once when the
// server no longer knows the session.
func (s *Syncer) withSession(ctx context.Context, fn func(sessionID string) error) error {
	id, err := s.session(ctx)
	if err != nil {
		return err
	}
	err = fn(id)
	if !errors.Is(err, ErrSessionRejected) {
		return err
	}
	if id, err = s.Register(ctx); err != nil {
		return err
	}
	return fn(id)
}

// Push sends queued changes in batches of the pull limit and drops them from
// the queue once the server accepts the batch.
func (s *Syncer) Push(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}
	if s.cfg.ServerURL == "" {
		return stats, ErrNotConfigured
	}

	for {
		batch, err := s.store.Pending(s.cfg.PullLimit)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		changes := make([]concordsync.SyncChange, len(batch))
		for i, p := range batch {
			changes[i] = p.Change
		}
		clientVector, err := s.store.ClientVector()
		if err != nil {
			return stats, err
		}

		var resp concordsync.PushResponse
		err = s.withSession(ctx, func(id string) error {
			return s.do(ctx, http.MethodPost, "/api/v1/sync/push", concordsync.PushRequest{
				SessionID:    id,
				Changes:      changes,
				ClientVector: clientVector,
			}, &resp)
		})
		if err != nil {
			return stats, err
		}

		// Rejected changes are invalid as written and would be rejected again.
		if err := s.store.Acknowledge(batch); err != nil {
			return stats, err
		}
		stats.Pushed += resp.Accepted
		stats.Rejected += resp.Rejected
		stats.Conflicts += len(resp.Conflicts)

		if s.cfg.PullLimit <= 0 {
			break
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// Pull fetches server changes until the server reports no more, then
// acknowledges the final server vector.
func (s *Syncer) Pull(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}
	if s.cfg.ServerURL == "" {
		return stats, ErrNotConfigured
	}

	for {
		clientVector, err := s.store.ClientVector()
		if err != nil {
			return stats, err
		}

		var resp concordsync.PullResponse
		var sessionID string
		err = s.withSession(ctx, func(id string) error {
			sessionID = id
			return s.do(ctx, http.MethodPost, "/api/v1/sync/pull", concordsync.PullRequest{
				SessionID:    id,
				ClientVector: clientVector,
				Limit:        s.cfg.PullLimit,
			}, &resp)
		})
		if err != nil {
			return stats, err
		}

		applied, err := s.store.ApplyRemote(resp.Changes)
		if err != nil {
			return stats, err
		}
		stats.Pulled += applied
		stats.Skipped += len(resp.Changes) - applied
		stats.Conflicts += len(resp.Conflicts)

		var ack concordsync.AckResponse
		if err := s.do(ctx, http.MethodPost, "/api/v1/sync/ack", concordsync.AckRequest{
			SessionID:     sessionID,
			AppliedVector: resp.ServerVector,
		}, &ack); err != nil {
			return stats, err
		}
		if err := s.store.RecordSync(resp.ServerVector); err != nil {
			return stats, err
		}

		if !resp.HasMore {
			break
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// Conflicts lists the pending conflicts recorded for this device.
func (s *Syncer) Conflicts(ctx context.Context) ([]concordsync.ConflictRecord, error) {
	if s.cfg.ServerURL == "" {
		return nil, ErrNotConfigured
	}
	var resp concordsync.ConflictsResponse
	err := s.withSession(ctx, func(id string) error {
		return s.do(ctx, http.MethodGet, "/api/v1/sync/conflicts?session_id="+url.QueryEscape(id), nil, &resp)
	})
	return resp.Conflicts, err
}

// Resolve settles a conflict by document key.
func (s *Syncer) Resolve(ctx context.Context, documentKey, resolution string, merged json.RawMessage) (*concordsync.ResolveResponse, error) {
	if s.cfg.ServerURL == "" {
		return nil, ErrNotConfigured
	}
	var resp concordsync.ResolveResponse
	err := s.withSession(ctx, func(id string) error {
		return s.do(ctx, http.MethodPost, "/api/v1/sync/resolve", concordsync.ResolveRequest{
			SessionID:   id,
			DocumentKey: documentKey,
			Resolution:  resolution,
			MergedData:  merged,
		}, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends a JSON request, retrying transport errors, 5xx and 429 with
// exponential backoff. out may be nil.
func (s *Syncer) do(ctx context.Context, method, path string, in, out any) error {
	if s.cfg.ServerURL == "" {
		return ErrNotConfigured
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	target := strings.TrimRight(s.cfg.ServerURL, "/") + path

	backoff := retry.WithMaxRetries(s.cfg.MaxAttempts-1, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			httpErr := newHTTPError(resp.StatusCode, raw)
			switch {
			case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
				return retry.RetryableError(httpErr)
			case httpErr.sessionRejected():
				return fmt.Errorf("%w: %w", ErrSessionRejected, httpErr)
			}
			return httpErr
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// newHTTPError reads an RFC 7807 body, falling back to the raw text as the
// detail.
func newHTTPError(status int, raw []byte) *HTTPError {
	e := &HTTPError{Status: status}
	var p struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &p) == nil {
		e.Type = p.Type
		e.Detail = p.Detail
	}
	if e.Detail == "" {
		e.Detail = string(bytes.TrimSpace(raw))
	}
	return e
}

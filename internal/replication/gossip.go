package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Cluster HTTP surface shared by the gossiper and the API.
const (
	ClusterSecretHeader = "X-Cluster-Secret"
	ReplicatePath       = "/api/v1/cluster/replicate"
	DefaultBatchSize    = 10000
)

// Peer is another cluster member.
type Peer struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// GossipConfig configures a Gossiper.
type GossipConfig struct {
	NodeID      string
	Secret      string
	Peers       []Peer
	BatchSize   int
	MaxAttempts uint64
	BaseBackoff time.Duration
	Compress    bool
	HTTPClient  *http.Client
}

// Gossiper pushes the local log to every peer, remembering per peer the last
// sequence the peer accepted.
type Gossiper struct {
	cfg    GossipConfig
	store  Store
	client *http.Client

	mu   sync.Mutex
	sent map[string]uint64
}

// NewGossiper loads each peer's sent sequence and returns a gossiper.
func NewGossiper(ctx context.Context, st Store, cfg GossipConfig) (*Gossiper, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	stored, err := st.SyncMetaWithPrefix(ctx, concordsync.SyncMetaPeerSentPrefix)
	if err != nil {
		return nil, fmt.Errorf("load peer sequences: %w", err)
	}
	sent := make(map[string]uint64, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if raw, ok := stored[p.ID]; ok {
			if seq, err := strconv.ParseUint(raw, 10, 64); err == nil {
				sent[p.ID] = seq
			}
		}
	}

	return &Gossiper{cfg: cfg, store: st, client: client, sent: sent}, nil
}

// Peers returns the configured peers.
func (g *Gossiper) Peers() []Peer {
	return append([]Peer(nil), g.cfg.Peers...)
}

// SentSequences returns the last sequence each peer accepted.
func (g *Gossiper) SentSequences() map[string]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]uint64, len(g.sent))
	for k, v := range g.sent {
		out[k] = v
	}
	return out
}

func (g *Gossiper) sentTo(peer string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent[peer]
}

// RunOnce sends one batch to every peer concurrently. A failing peer does
// not stop the others; all failures are returned joined.
func (g *Gossiper) RunOnce(ctx context.Context) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, p := range g.cfg.Peers {
		p := p
		eg.Go(func() error {
			if err := g.syncPeer(ctx, p); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("peer %s: %w", p.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func (g *Gossiper) syncPeer(ctx context.Context, p Peer) error {
	after := g.sentTo(p.ID)
	entries, err := g.store.EntriesAfter(ctx, after, g.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1].Sequence

	outbound := make([]concordsync.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Origin() == p.ID || e.NodeID == p.ID {
			continue
		}
		outbound = append(outbound, e)
	}

	if len(outbound) > 0 {
		current, err := g.store.CurrentSequence(ctx)
		if err != nil {
			return err
		}
		msg := &concordsync.ReplicationMessage{
			FromNode:        g.cfg.NodeID,
			Entries:         outbound,
			HasMore:         last < current,
			CurrentSequence: current,
		}
		result, err := g.send(ctx, p, msg)
		if err != nil {
			return err
		}
		slog.Debug("gossip batch delivered",
			"component", "replication",
			"action", "gossip",
			"peer", p.ID,
			"sent", len(outbound),
			"accepted", result.Accepted,
			"last_sequence", last,
		)
	}

	return g.markSent(ctx, p.ID, last)
}

func (g *Gossiper) markSent(ctx context.Context, peer string, seq uint64) error {
	g.mu.Lock()
	if seq <= g.sent[peer] {
		g.mu.Unlock()
		return nil
	}
	g.sent[peer] = seq
	g.mu.Unlock()

	return g.store.SetSyncMeta(ctx, concordsync.SyncMetaPeerSentPrefix+peer, strconv.FormatUint(seq, 10))
}

// send posts msg to the peer, retrying transport errors and 5xx/429
// responses with exponential backoff.
func (g *Gossiper) send(ctx context.Context, p Peer, msg *concordsync.ReplicationMessage) (*concordsync.ApplyResult, error) {
	body, err := concordsync.EncodeMessage(msg, g.cfg.Compress)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(p.URL, "/") + ReplicatePath

	var result concordsync.ApplyResult
	backoff := retry.WithMaxRetries(g.cfg.MaxAttempts-1, retry.NewExponential(g.cfg.BaseBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if g.cfg.Compress {
			req.Header.Set("Content-Encoding", concordsync.EncodingSnappy)
		}
		if g.cfg.Secret != "" {
			req.Header.Set(ClusterSecretHeader, g.cfg.Secret)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("replicate returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return retry.RetryableError(err)
			}
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

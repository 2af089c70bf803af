package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/concord/internal/api"
	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/session"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/stream"
	"github.com/hyperengineering/concord/internal/syncsvc"
	"github.com/hyperengineering/concord/internal/vclock"
)

const (
	clusterSecret = "e2e-cluster-secret"
	apiKey        = "e2e-api-key"
)

// clusterNode is an in-process Concord node served over a real listener.
type clusterNode struct {
	id       string
	url      string
	store    *store.SQLiteStore
	engine   *docstore.SQLiteEngine
	writer   *replication.Writer
	applier  *replication.Applier
	gossiper *replication.Gossiper
	server   *httptest.Server
}

// newCluster starts one node per id. links maps a node to the peers it
// gossips to; nodes without an entry gossip to nobody.
func newCluster(t *testing.T, ids []string, links map[string][]string) map[string]*clusterNode {
	t.Helper()
	ctx := context.Background()

	nodes := make(map[string]*clusterNode, len(ids))
	for _, id := range ids {
		srv := httptest.NewUnstartedServer(nil)
		nodes[id] = &clusterNode{id: id, server: srv, url: "http://" + srv.Listener.Addr().String()}
	}

	for _, id := range ids {
		n := nodes[id]
		dir := t.TempDir()

		st, err := store.NewSQLiteStore(filepath.Join(dir, "concord.db"), store.WithNodeID(id))
		if err != nil {
			t.Fatalf("%s: open store: %v", id, err)
		}
		engine, err := docstore.NewSQLiteEngine(filepath.Join(dir, "databases"))
		if err != nil {
			t.Fatalf("%s: open engine: %v", id, err)
		}
		sessions := session.NewManager("e2e-session-secret")
		hub := stream.NewHub(sessions, stream.DefaultConfig())

		n.store, n.engine = st, engine
		n.writer = replication.NewWriter(id, engine, st, vclock.NewClock(), hub)

		tracker, err := replication.NewOriginTracker(ctx, st, nil)
		if err != nil {
			t.Fatalf("%s: origin tracker: %v", id, err)
		}
		n.applier = replication.NewApplier(replication.ApplierConfig{Writer: n.writer, Tracker: tracker})

		var peers []replication.Peer
		for _, p := range links[id] {
			peers = append(peers, replication.Peer{ID: p, URL: nodes[p].url})
		}
		if len(peers) > 0 {
			n.gossiper, err = replication.NewGossiper(ctx, st, replication.GossipConfig{
				NodeID:      id,
				Secret:      clusterSecret,
				Peers:       peers,
				MaxAttempts: 1,
				Compress:    true,
			})
			if err != nil {
				t.Fatalf("%s: gossiper: %v", id, err)
			}
		}

		n.server.Config.Handler = api.NewRouter(api.NewHandler(api.Deps{
			Store:         st,
			Engine:        engine,
			Writer:        n.writer,
			Applier:       n.applier,
			Gossiper:      n.gossiper,
			Sync:          syncsvc.New(sessions, n.writer, st, syncsvc.Config{}),
			Hub:           hub,
			APIKey:        apiKey,
			ClusterSecret: clusterSecret,
			Version:       "e2e",
		}))
		n.server.Start()

		t.Cleanup(func() {
			hub.Close()
			n.server.Close()
			engine.Close()
			st.Close()
		})
	}
	return nodes
}

// gossip runs one gossip round on each named node, in order.
func gossip(t *testing.T, nodes map[string]*clusterNode, order ...string) {
	t.Helper()
	for _, id := range order {
		if err := nodes[id].gossiper.RunOnce(context.Background()); err != nil {
			t.Fatalf("%s: gossip round: %v", id, err)
		}
	}
}

// doJSON sends an authenticated JSON request and decodes a 2xx response
// into out when out is non-nil. It returns the status code.
func doJSON(t *testing.T, method, url string, in, out any) int {
	t.Helper()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

// documentOn reads a document directly from a node's engine.
func documentOn(t *testing.T, n *clusterNode, database, collection, key string) (json.RawMessage, bool) {
	t.Helper()
	data, err := n.engine.Get(context.Background(), database, collection, key)
	if err != nil {
		return nil, false
	}
	return data, true
}

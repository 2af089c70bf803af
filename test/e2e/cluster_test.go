package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/concord/internal/api"
	"github.com/hyperengineering/concord/pkg/syncclient"
)

func documentURL(n *clusterNode, key string) string {
	return n.url + "/api/v1/databases/app/collections/notes/documents/" + key
}

func TestCluster_WritePropagatesToAllPeers(t *testing.T) {
	nodes := newCluster(t, []string{"a", "b", "c"}, map[string][]string{"a": {"b", "c"}})

	status := doJSON(t, http.MethodPut, documentURL(nodes["a"], "n1"), json.RawMessage(`{"title":"hello"}`), nil)
	if status != http.StatusOK {
		t.Fatalf("put document: status %d", status)
	}

	gossip(t, nodes, "a")

	for _, id := range []string{"b", "c"} {
		data, ok := documentOn(t, nodes[id], "app", "notes", "n1")
		if !ok {
			t.Fatalf("%s: document not replicated", id)
		}
		if string(data) != `{"title":"hello"}` {
			t.Errorf("%s: unexpected document %s", id, data)
		}
	}

	var health api.HealthResponse
	doJSON(t, http.MethodGet, nodes["b"].url+"/api/v1/health", nil, &health)
	if health.NodeID != "b" || health.CurrentSequence != 1 {
		t.Errorf("unexpected health on b: %+v", health)
	}
	if sent := nodes["a"].gossiper.SentSequences(); sent["b"] != 1 || sent["c"] != 1 {
		t.Errorf("expected sent sequence 1 for both peers, got %v", sent)
	}
}

func TestCluster_MultiHopKeepsOrigin(t *testing.T) {
	nodes := newCluster(t, []string{"a", "b", "c"}, map[string][]string{
		"a": {"b"},
		"b": {"c", "a"},
	})

	doJSON(t, http.MethodPut, documentURL(nodes["a"], "n1"), json.RawMessage(`{"hop":true}`), nil)
	gossip(t, nodes, "a", "b")

	if _, ok := documentOn(t, nodes["c"], "app", "notes", "n1"); !ok {
		t.Fatal("document did not reach c through b")
	}
	if got := nodes["c"].applier.Tracker().Snapshot()["a"]; got != 1 {
		t.Errorf("c should track origin a at sequence 1, got %d", got)
	}

	// b also sent a's entry back to a; a ignores its own history.
	seq, err := nodes["a"].store.CurrentSequence(context.Background())
	if err != nil {
		t.Fatalf("current sequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("a's log should hold only its own write, sequence is %d", seq)
	}
}

func TestCluster_RepeatedGossipIsIdempotent(t *testing.T) {
	nodes := newCluster(t, []string{"a", "b"}, map[string][]string{"a": {"b"}})

	doJSON(t, http.MethodPut, documentURL(nodes["a"], "n1"), json.RawMessage(`{"v":1}`), nil)
	gossip(t, nodes, "a", "a", "a")

	seq, err := nodes["b"].store.CurrentSequence(context.Background())
	if err != nil {
		t.Fatalf("current sequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("b should have applied the entry once, sequence is %d", seq)
	}
}

func TestCluster_DeleteAndDatabaseLifecycle(t *testing.T) {
	nodes := newCluster(t, []string{"a", "b"}, map[string][]string{"a": {"b"}})
	a, b := nodes["a"], nodes["b"]

	if status := doJSON(t, http.MethodPost, a.url+"/api/v1/databases", map[string]string{"name": "app"}, nil); status != http.StatusCreated {
		t.Fatalf("create database: status %d", status)
	}
	doJSON(t, http.MethodPut, documentURL(a, "n1"), json.RawMessage(`{}`), nil)
	gossip(t, nodes, "a")

	if status := doJSON(t, http.MethodGet, b.url+"/api/v1/databases/app", nil, nil); status != http.StatusOK {
		t.Fatalf("database not replicated to b: status %d", status)
	}

	doJSON(t, http.MethodDelete, documentURL(a, "n1"), nil, nil)
	gossip(t, nodes, "a")
	if _, ok := documentOn(t, b, "app", "notes", "n1"); ok {
		t.Error("delete did not replicate to b")
	}

	doJSON(t, http.MethodDelete, a.url+"/api/v1/databases/app", nil, nil)
	gossip(t, nodes, "a")
	if status := doJSON(t, http.MethodGet, b.url+"/api/v1/databases/app", nil, nil); status != http.StatusNotFound {
		t.Errorf("database drop did not replicate to b: status %d", status)
	}
}

func TestCluster_SyncClientsOnDifferentNodes(t *testing.T) {
	nodes := newCluster(t, []string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}})
	ctx := context.Background()

	newClient := func(node *clusterNode, device string) *syncclient.Client {
		c, err := syncclient.New(syncclient.Config{
			LocalPath:   filepath.Join(t.TempDir(), device+".db"),
			ServerURL:   node.url,
			APIKey:      apiKey,
			DeviceID:    device,
			MaxAttempts: 1,
		})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		t.Cleanup(func() { c.Shutdown(ctx) })
		return c
	}
	phone := newClient(nodes["a"], "phone")
	laptop := newClient(nodes["b"], "laptop")

	if _, err := phone.Put("app", "notes", "n1", json.RawMessage(`{"from":"phone"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := phone.Sync(ctx); err != nil {
		t.Fatalf("phone sync: %v", err)
	}
	gossip(t, nodes, "a")

	stats, err := laptop.Sync(ctx)
	if err != nil {
		t.Fatalf("laptop sync: %v", err)
	}
	if stats.Pulled != 1 {
		t.Errorf("expected laptop to pull 1 change, got %+v", stats)
	}
	doc, err := laptop.Get("app", "notes", "n1")
	if err != nil {
		t.Fatalf("laptop get: %v", err)
	}
	if string(doc.Data) != `{"from":"phone"}` {
		t.Errorf("unexpected document on laptop: %s", doc.Data)
	}

	// The reply travels back through b to a and the phone.
	if _, err := laptop.Put("app", "notes", "n1", json.RawMessage(`{"from":"laptop"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := laptop.Sync(ctx); err != nil {
		t.Fatalf("laptop sync: %v", err)
	}
	gossip(t, nodes, "b")

	if _, err := phone.Sync(ctx); err != nil {
		t.Fatalf("phone sync: %v", err)
	}
	doc, err = phone.Get("app", "notes", "n1")
	if err != nil {
		t.Fatalf("phone get: %v", err)
	}
	if string(doc.Data) != `{"from":"laptop"}` {
		t.Errorf("unexpected document on phone: %s", doc.Data)
	}
}

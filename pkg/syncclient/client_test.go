package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/concord/internal/api"
	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/session"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/stream"
	"github.com/hyperengineering/concord/internal/syncsvc"
	"github.com/hyperengineering/concord/internal/vclock"
)

const testAPIKey = "test-api-key"

type testNode struct {
	url      string
	engine   *docstore.SQLiteEngine
	sessions *session.Manager
}

// newTestNode serves a single in-memory node over HTTP.
func newTestNode(t *testing.T) *testNode {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:", store.WithNodeID("node-a"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, err := docstore.NewSQLiteEngine(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	sessions := session.NewManager("session-secret")
	hub := stream.NewHub(sessions, stream.DefaultConfig())
	t.Cleanup(hub.Close)

	w := replication.NewWriter("node-a", engine, st, vclock.NewClock(), hub)
	tracker, err := replication.NewOriginTracker(context.Background(), st, nil)
	require.NoError(t, err)

	router := api.NewRouter(api.NewHandler(api.Deps{
		Store:   st,
		Engine:  engine,
		Writer:  w,
		Applier: replication.NewApplier(replication.ApplierConfig{Writer: w, Tracker: tracker}),
		Sync:    syncsvc.New(sessions, w, st, syncsvc.Config{}),
		Hub:     hub,
		APIKey:  testAPIKey,
		Version: "test",
	}))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testNode{url: srv.URL, engine: engine, sessions: sessions}
}

func newTestClient(t *testing.T, serverURL, device string) *Client {
	t.Helper()
	c, err := New(Config{
		LocalPath:   filepath.Join(t.TempDir(), device+".db"),
		ServerURL:   serverURL,
		APIKey:      testAPIKey,
		DeviceID:    device,
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func TestNew_RequiresLocalPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_OfflineWritesSyncLater(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	phone := newTestClient(t, node.url, "phone")
	_, err := phone.Put("app", "notes", "n1", json.RawMessage(`{"title":"offline"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, phone.GetStats().PendingSync)

	stats, err := phone.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	assert.Equal(t, 0, stats.Pulled)
	assert.Equal(t, 1, stats.Skipped, "the echoed change is already reflected locally")
	assert.Equal(t, 0, phone.GetStats().PendingSync)

	data, err := node.engine.Get(ctx, "app", "notes", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"offline"}`, string(data))

	doc, err := phone.Get("app", "notes", "n1")
	require.NoError(t, err)
	assert.False(t, doc.Dirty)
}

func TestClient_ReinstalledDeviceRecoversOwnDocuments(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	phone := newTestClient(t, node.url, "phone")
	_, err := phone.Put("app", "notes", "n1", json.RawMessage(`{"title":"mine"}`))
	require.NoError(t, err)
	_, err = phone.Sync(ctx)
	require.NoError(t, err)

	// Fresh local store, same device id.
	reinstalled := newTestClient(t, node.url, "phone")
	stats, err := reinstalled.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pulled)

	doc, err := reinstalled.Get("app", "notes", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"mine"}`, string(doc.Data))
	assert.False(t, doc.Dirty)
}

func TestClient_ChangesReachOtherDevices(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	phone := newTestClient(t, node.url, "phone")
	laptop := newTestClient(t, node.url, "laptop")

	_, err := phone.Put("app", "notes", "n1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	_, err = phone.Sync(ctx)
	require.NoError(t, err)

	stats, err := laptop.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pulled)

	doc, err := laptop.Get("app", "notes", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(doc.Data))

	// The laptop edits on top of what it pulled; its vector dominates.
	_, err = laptop.Put("app", "notes", "n1", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	stats, err = laptop.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	assert.Zero(t, stats.Conflicts)

	_, err = phone.Sync(ctx)
	require.NoError(t, err)
	doc, err = phone.Get("app", "notes", "n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(doc.Data))

	require.NoError(t, laptop.Delete("app", "notes", "n1"))
	_, err = laptop.Sync(ctx)
	require.NoError(t, err)
	_, err = phone.Sync(ctx)
	require.NoError(t, err)
	_, err = phone.Get("app", "notes", "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_ReRegistersExpiredSession(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()
	phone := newTestClient(t, node.url, "phone")

	_, err := phone.Sync(ctx)
	require.NoError(t, err)
	first := phone.syncer.sessionID
	require.NotEmpty(t, first)

	node.sessions.Remove(first)

	_, err = phone.Put("app", "notes", "n1", json.RawMessage(`{}`))
	require.NoError(t, err)
	stats, err := phone.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	assert.NotEqual(t, first, phone.syncer.sessionID)
}

func TestClient_WrongAPIKey(t *testing.T) {
	node := newTestNode(t)
	c, err := New(Config{
		LocalPath:   filepath.Join(t.TempDir(), "c.db"),
		ServerURL:   node.url,
		APIKey:      "wrong",
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	_, err = c.Sync(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{
		LocalPath:   filepath.Join(t.TempDir(), "c.db"),
		ServerURL:   srv.URL,
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	status := c.HealthCheck(context.Background())
	assert.True(t, status.CentralSync, status.LastError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_OfflineMode(t *testing.T) {
	c, err := New(Config{
		LocalPath:   filepath.Join(t.TempDir(), "c.db"),
		OfflineMode: true,
	})
	require.NoError(t, err)

	require.NoError(t, c.Initialize(context.Background()))
	_, err = c.Put("app", "notes", "n1", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = c.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	status := c.HealthCheck(context.Background())
	assert.True(t, status.LocalStore)
	assert.False(t, status.CentralSync)

	require.NoError(t, c.Shutdown(context.Background()))
	_, err = c.Get("app", "notes", "n1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_AutoSync(t *testing.T) {
	node := newTestNode(t)
	c, err := New(Config{
		LocalPath:    filepath.Join(t.TempDir(), "c.db"),
		ServerURL:    node.url,
		APIKey:       testAPIKey,
		SyncInterval: 20 * time.Millisecond,
		AutoSync:     true,
		MaxAttempts:  1,
	})
	require.NoError(t, err)
	defer c.Shutdown(context.Background())
	require.NoError(t, c.Initialize(context.Background()))

	_, err = c.Put("app", "notes", "n1", json.RawMessage(`{"auto":true}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := node.engine.Get(context.Background(), "app", "notes", "n1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ConflictsEmpty(t *testing.T) {
	node := newTestNode(t)
	phone := newTestClient(t, node.url, "phone")

	conflicts, err := phone.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	err = phone.Resolve(context.Background(), "missing", "local", nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestHTTPError_SessionRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"invalid session", 401, `{"type":"https://concord.dev/errors/invalid-session","detail":"Invalid session"}`, true},
		{"session not found", 404, `{"type":"https://concord.dev/errors/session-not-found","detail":"Session not found"}`, true},
		{"wrong api key", 401, `{"type":"https://concord.dev/errors/unauthorized","detail":"Invalid session"}`, false},
		{"conflict not found", 404, `{"type":"https://concord.dev/errors/not-found","detail":"Session not found"}`, false},
		{"plain text", 404, "Session not found", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newHTTPError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, e.sessionRejected())
			assert.NotEmpty(t, e.Detail)
		})
	}
}

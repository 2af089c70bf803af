package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/concord/internal/api"
	"github.com/hyperengineering/concord/internal/config"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) messageIndex(msg string) int {
	for i, m := range c.messages() {
		if m == msg {
			return i
		}
	}
	return -1
}

func (c *logCapture) hasMessage(msg string) bool {
	return c.messageIndex(msg) >= 0
}

func captureDefault(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func localConfig(t *testing.T, peers string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CONCORD_CONFIG_PATH", filepath.Join(dir, "missing.yaml"))
	t.Setenv("CONCORD_DB_PATH", filepath.Join(dir, "concord.db"))
	t.Setenv("CONCORD_STORAGE_ROOT", filepath.Join(dir, "databases"))
	t.Setenv("CONCORD_NODE_ID", "node-a")
	t.Setenv("CONCORD_CLUSTER_PEERS", peers)

	cfg, err := config.LoadLocal()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := captureDefault(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	workerRan := atomic.Bool{}
	startWorker(ctx, &wg, "test-worker", func(ctx context.Context) {
		workerRan.Store(true)
		<-ctx.Done()
	})

	time.Sleep(10 * time.Millisecond)
	if !workerRan.Load() {
		t.Error("worker function was not called")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitGroup did not complete after cancellation")
	}

	if !capture.hasMessage("worker started") || !capture.hasMessage("worker stopped") {
		t.Errorf("expected start and stop logs, got %v", capture.messages())
	}
}

func TestStartWorker_LogsWorkerName(t *testing.T) {
	capture := captureDefault(t)

	var wg sync.WaitGroup
	startWorker(context.Background(), &wg, "gossip", func(ctx context.Context) {})
	wg.Wait()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	for _, e := range capture.entries {
		if e["msg"] == "worker started" && e["worker"] != "gossip" {
			t.Errorf("expected worker=gossip, got %v", e["worker"])
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLogLevel(tt.in); got != tt.want {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "k", "v")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json format produced non-JSON output %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("unexpected entry: %v", entry)
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "info", Format: "text"}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text format output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestOpenNode_Standalone(t *testing.T) {
	capture := captureDefault(t)
	cfg := localConfig(t, "")

	n, err := openNode(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openNode: %v", err)
	}
	defer n.close()

	if n.gossiper != nil {
		t.Error("expected no gossiper without peers")
	}
	if n.store.NodeID() != "node-a" {
		t.Errorf("store node id = %q, want node-a", n.store.NodeID())
	}

	storeIdx := capture.messageIndex("store initialized")
	engineIdx := capture.messageIndex("document engine initialized")
	if storeIdx < 0 || engineIdx < 0 || storeIdx > engineIdx {
		t.Errorf("expected store then engine initialization, got %v", capture.messages())
	}
}

func TestOpenNode_WithPeers(t *testing.T) {
	captureDefault(t)
	cfg := localConfig(t, "node-b=http://127.0.0.1:1, node-c=http://127.0.0.1:2")

	n, err := openNode(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openNode: %v", err)
	}
	defer n.close()

	if n.gossiper == nil {
		t.Fatal("expected a gossiper when peers are configured")
	}
	if got := len(n.gossiper.Peers()); got != 2 {
		t.Errorf("expected 2 peers, got %d", got)
	}
}

// The wired router serves health and applies writes end to end.
func TestOpenNode_ServesAPI(t *testing.T) {
	captureDefault(t)
	cfg := localConfig(t, "")

	n, err := openNode(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openNode: %v", err)
	}
	defer n.close()

	router := api.NewRouter(api.NewHandler(api.Deps{
		Store:    n.store,
		Engine:   n.engine,
		Writer:   n.writer,
		Applier:  n.applier,
		Sync:     n.sync,
		Hub:      n.hub,
		Uploader: n.uploader,
		Version:  "test",
	}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/databases",
		strings.NewReader(`{"name":"app"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create database: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	var health api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.NodeID != "node-a" || health.CurrentSequence != 1 {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestGracefulShutdownDrainsRequests(t *testing.T) {
	requestDone := atomic.Bool{}
	started := make(chan struct{})
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		requestDone.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	srv.Start()

	go func() {
		resp, err := http.Get(srv.URL)
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	srv.Close()

	if !requestDone.Load() {
		t.Error("in-flight request was not drained")
	}
}

func TestWorkerWaitGroupIntegration(t *testing.T) {
	captureDefault(t)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	var stopped atomic.Int32
	for _, name := range []string{"gossip", "retention", "session-expiry", "snapshot"} {
		startWorker(ctx, &wg, name, func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		})
	}

	cancel()
	wg.Wait()

	if got := stopped.Load(); got != 4 {
		t.Errorf("expected 4 workers stopped, got %d", got)
	}
}

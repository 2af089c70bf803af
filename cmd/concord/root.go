package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/concord/internal/api"
	"github.com/hyperengineering/concord/internal/config"
	"github.com/hyperengineering/concord/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "concord",
	Short: "Concord - multi-master document replication and offline sync",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(databaseCmd)
	rootCmd.AddCommand(logCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "node_id", cfg.Node.ID, "dev_mode", config.DevMode())
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Open node components (store, engine, replication, sync)
	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}

	// 5. Initialize HTTP router
	handler := api.NewHandler(api.Deps{
		Store:         n.store,
		Engine:        n.engine,
		Writer:        n.writer,
		Applier:       n.applier,
		Gossiper:      n.gossiper,
		Sync:          n.sync,
		Hub:           n.hub,
		Uploader:      n.uploader,
		APIKey:        cfg.Auth.APIKey,
		ClusterSecret: cfg.Cluster.Secret,
		Version:       Version,
	})
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 6. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Background workers
	var wg sync.WaitGroup
	if n.gossiper != nil {
		gossip := worker.NewGossipCoordinator(n.gossiper, time.Duration(cfg.Cluster.GossipInterval))
		startWorker(ctx, &wg, "gossip", gossip.Run)
	}
	retention := worker.NewRetentionCoordinator(n.store, cfg.Replication.MaxLogEntries,
		time.Duration(cfg.Replication.RetentionInterval))
	startWorker(ctx, &wg, "retention", retention.Run)
	expiry := worker.NewSessionExpiryWorker(n.sessions, time.Duration(cfg.Worker.SessionExpiryInterval))
	startWorker(ctx, &wg, "session-expiry", expiry.Run)
	snapshots := worker.NewSnapshotCoordinator(n.store, time.Duration(cfg.Worker.SnapshotInterval), n.uploader)
	startWorker(ctx, &wg, "snapshot", snapshots.Run)

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. Close change streams so websocket handlers return, then drain HTTP
	n.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for workers to complete
	wg.Wait()

	// 10c. Close storage
	n.close()

	slog.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger. Format "text" is for local
// development; everything else logs JSON.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// Package syncclient is an offline-first client for Concord sync sessions.
// Writes land in a local bbolt store and a pending queue, and Sync pushes the
// queue and pulls server changes when a node is reachable.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
)

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("client is closed")

// Client is the Concord sync client
type Client struct {
	config Config
	store  *Store
	syncer *Syncer

	mu       sync.RWMutex
	closed   bool
	syncDone chan struct{}
	loopWG   sync.WaitGroup
}

// New creates a new sync client
func New(config Config) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}

	// Set defaults
	if config.SyncInterval == 0 {
		config.SyncInterval = 30 * time.Second
	}

	store, err := NewStore(config.LocalPath, config.DeviceID)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:   config,
		store:    store,
		syncer:   NewSyncer(config, store),
		syncDone: make(chan struct{}),
	}, nil
}

// Initialize performs an initial sync and starts the background loop when
// AutoSync is set. An unreachable server is logged, not returned.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.config.OfflineMode || c.config.ServerURL == "" {
		return nil
	}

	if _, err := c.sync(ctx); err != nil {
		slog.Warn("initial sync failed, continuing offline",
			"component", "syncclient",
			"device_id", c.store.DeviceID(),
			"error", err,
		)
	}

	if c.config.AutoSync {
		c.loopWG.Add(1)
		go c.syncLoop()
	}
	return nil
}

// Shutdown stops the loop, attempts a final push and closes the store.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.syncDone)
	c.mu.Unlock()

	c.loopWG.Wait()

	if !c.config.OfflineMode && c.config.ServerURL != "" {
		if _, err := c.syncer.Push(ctx); err != nil {
			slog.Warn("final push failed", "component", "syncclient", "error", err)
		}
	}
	return c.store.Close()
}

// DeviceID returns the identity this client registers with.
func (c *Client) DeviceID() string { return c.store.DeviceID() }

// Put writes a document locally and queues it for the next sync.
func (c *Client) Put(database, collection, key string, data json.RawMessage) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.store.Put(database, collection, key, data)
}

// Delete removes a document locally and queues the delete.
func (c *Client) Delete(database, collection, key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	_, err := c.store.Delete(database, collection, key)
	return err
}

// Get reads a document from the local store.
func (c *Client) Get(database, collection, key string) (*Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.store.Get(database, collection, key)
}

// List reads a collection from the local store.
func (c *Client) List(database, collection string) ([]Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.store.List(database, collection)
}

// Sync pushes the pending queue, then pulls server changes.
func (c *Client) Sync(ctx context.Context) (*SyncStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.sync(ctx)
}

func (c *Client) sync(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	pushed, err := c.syncer.Push(ctx)
	if err != nil {
		return pushed, err
	}
	pulled, err := c.syncer.Pull(ctx)
	stats := &SyncStats{
		Pushed:    pushed.Pushed,
		Rejected:  pushed.Rejected,
		Pulled:    pulled.Pulled,
		Skipped:   pulled.Skipped,
		Conflicts: pushed.Conflicts + pulled.Conflicts,
		Duration:  time.Since(start),
	}
	if err != nil {
		return stats, err
	}

	slog.Debug("sync completed",
		"component", "syncclient",
		"pushed", stats.Pushed,
		"pulled", stats.Pulled,
		"conflicts", stats.Conflicts,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// Conflicts lists conflicts the server kept for manual resolution.
func (c *Client) Conflicts(ctx context.Context) ([]concordsync.ConflictRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.syncer.Conflicts(ctx)
}

// Resolve settles a conflict on the server and pulls the outcome.
func (c *Client) Resolve(ctx context.Context, documentKey, resolution string, merged json.RawMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if _, err := c.syncer.Resolve(ctx, documentKey, resolution, merged); err != nil {
		return err
	}
	_, err := c.syncer.Pull(ctx)
	return err
}

// GetStats returns store statistics
func (c *Client) GetStats() StoreStats {
	return c.store.Stats()
}

// HealthCheck returns the health status
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LocalStore:  true,
		CentralSync: false,
	}

	if c.config.OfflineMode {
		return status
	}

	if err := c.syncer.Ping(ctx); err != nil {
		status.LastError = err.Error()
	} else {
		status.CentralSync = true
	}

	return status
}

func (c *Client) syncLoop() {
	defer c.loopWG.Done()
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.syncDone:
			return
		case <-ticker.C:
			if _, err := c.Sync(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				slog.Warn("background sync failed", "component", "syncclient", "error", err)
			}
		}
	}
}

package syncclient

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hyperengineering/concord/internal/vclock"
)

// Config holds the sync client configuration
type Config struct {
	LocalPath     string        // Local bbolt database path
	ServerURL     string        // Concord node URL
	APIKey        string        // API key sent on session registration
	DeviceID      string        // Stable device identity (default: generated and persisted)
	Subscriptions []string      // "db" or "db/collection" patterns (default: everything)
	FilterQuery   string        // Optional JSON filter applied server side
	PullLimit     int           // Changes per pull page (default: server default)
	SyncInterval  time.Duration // Sync interval (default: 30 seconds)
	AutoSync      bool          // Enable automatic sync
	OfflineMode   bool          // Never contact the server
	MaxAttempts   uint64        // Attempts per request on transient failures (default: 3)
	HTTPClient    *http.Client  // Optional transport (default: 30s timeout)
}

// Document is a locally stored document.
type Document struct {
	Database   string               `json:"database"`
	Collection string               `json:"collection"`
	Key        string               `json:"key"`
	Data       json.RawMessage      `json:"data,omitempty"`
	Vector     vclock.VersionVector `json:"vector"`
	Deleted    bool                 `json:"deleted,omitempty"`
	Dirty      bool                 `json:"dirty,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// SyncStats holds sync operation statistics
type SyncStats struct {
	Pushed    int
	Rejected  int
	Pulled    int
	Skipped   int
	Conflicts int
	Duration  time.Duration
}

// StoreStats holds local store statistics
type StoreStats struct {
	Documents    int
	PendingSync  int
	LastSync     *time.Time
	DatabaseSize int64
}

// HealthStatus represents the health status
type HealthStatus struct {
	LocalStore  bool
	CentralSync bool
	LastError   string
}

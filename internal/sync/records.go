package sync

import (
	"encoding/json"
	"time"

	"github.com/hyperengineering/concord/internal/vclock"
)

// Conflict record states.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// ConflictRecord is a conflict kept for manual resolution.
type ConflictRecord struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	DeviceID     string               `json:"device_id"`
	Database     string               `json:"database"`
	Collection   string               `json:"collection"`
	DocumentKey  string               `json:"document_key"`
	LocalVector  vclock.VersionVector `json:"local_vector"`
	RemoteVector vclock.VersionVector `json:"remote_vector"`
	LocalData    json.RawMessage      `json:"local_data,omitempty"`
	RemoteData   json.RawMessage      `json:"remote_data,omitempty"`
	Marker       json.RawMessage      `json:"marker,omitempty"`
	Strategy     string               `json:"strategy"`
	Status       string               `json:"status"`
	Resolution   string               `json:"resolution,omitempty"`
	DetectedAt   time.Time            `json:"detected_at"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
}

// SyncMeta keys and key prefixes.
const (
	SyncMetaSchemaVersion  = "schema_version"
	SyncMetaNodeID         = "node_id"
	SyncMetaLastTrimSeq    = "last_trim_seq"
	SyncMetaLastTrimAt     = "last_trim_at"
	SyncMetaLastSnapshotAt = "last_snapshot_at"
	SyncMetaOriginPrefix   = "origin_seq:"
	SyncMetaPeerSentPrefix = "peer_sent:"
)

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/replication"
	"github.com/hyperengineering/concord/internal/snapshot"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/stream"
	"github.com/hyperengineering/concord/internal/syncsvc"
)

// maxBodyBytes caps JSON request bodies. Replication batches get more room.
const (
	maxBodyBytes      = 8 << 20
	maxReplicateBytes = 256 << 20
)

// Deps are the services a Handler serves.
type Deps struct {
	Store    store.Store
	Engine   docstore.Engine
	Writer   *replication.Writer
	Applier  *replication.Applier
	Gossiper *replication.Gossiper
	Sync     *syncsvc.Service
	Hub      *stream.Hub
	Uploader snapshot.Uploader

	APIKey        string
	ClusterSecret string
	Version       string
}

// Handler implements the API handlers
type Handler struct {
	store    store.Store
	engine   docstore.Engine
	writer   *replication.Writer
	applier  *replication.Applier
	gossiper *replication.Gossiper
	sync     *syncsvc.Service
	hub      *stream.Hub
	uploader snapshot.Uploader

	apiKey        string
	clusterSecret string
	version       string
	started       time.Time
}

// NewHandler creates a Handler. Gossiper may be nil on a single-node
// deployment and Uploader defaults to a no-op.
func NewHandler(d Deps) *Handler {
	if d.Uploader == nil {
		d.Uploader = &snapshot.NoopUploader{}
	}
	return &Handler{
		store:         d.Store,
		engine:        d.Engine,
		writer:        d.Writer,
		applier:       d.Applier,
		gossiper:      d.Gossiper,
		sync:          d.Sync,
		hub:           d.Hub,
		uploader:      d.Uploader,
		apiKey:        d.APIKey,
		clusterSecret: d.ClusterSecret,
		version:       d.Version,
		started:       time.Now(),
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	NodeID          string `json:"node_id"`
	CurrentSequence uint64 `json:"current_sequence"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	*store.Stats
	Databases     int `json:"databases"`
	Sessions      int `json:"sessions"`
	StreamClients int `json:"stream_clients"`
	PeerCount     int `json:"peer_count"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	seq, err := h.store.CurrentSequence(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "healthy",
		Version:         h.version,
		NodeID:          h.store.NodeID(),
		CurrentSequence: seq,
		UptimeSeconds:   int64(time.Since(h.started).Seconds()),
	})
}

// Stats handles GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	dbs, err := h.engine.ListDatabases(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	resp := StatsResponse{Stats: stats, Databases: len(dbs)}
	if h.sync != nil {
		resp.Sessions = h.sync.Sessions().Count()
	}
	if h.hub != nil {
		resp.StreamClients = h.hub.Count()
	}
	if h.gossiper != nil {
		resp.PeerCount = len(h.gossiper.Peers())
	}
	writeJSON(w, http.StatusOK, resp)
}

// SnapshotResponse points at the latest uploaded node snapshot.
type SnapshotResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot handles GET /api/v1/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	url, expiry, err := h.uploader.PresignedURL(r.Context(), h.store.NodeID())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{URL: url, ExpiresAt: expiry})
}

// decodeJSON reads a size-limited JSON body into v, writing a 400 or 413
// problem and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if isTooLarge(err) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hyperengineering/concord/internal/replication"
	concordsync "github.com/hyperengineering/concord/internal/sync"
)

const (
	defaultLogLimit = 1000
	maxLogLimit     = replication.DefaultBatchSize
)

// ClusterStatusResponse is returned by GET /api/v1/cluster/status.
type ClusterStatusResponse struct {
	NodeID          string             `json:"node_id"`
	CurrentSequence uint64             `json:"current_sequence"`
	Peers           []replication.Peer `json:"peers"`
	SentSequences   map[string]uint64  `json:"sent_sequences"`
	OriginSequences map[string]uint64  `json:"origin_sequences"`
}

// ClusterReplicate handles POST /api/v1/cluster/replicate
func (h *Handler) ClusterReplicate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplicateBytes))
	if err != nil {
		if isTooLarge(err) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Replication batch too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}

	compressed := r.Header.Get("Content-Encoding") == concordsync.EncodingSnappy
	msg, err := concordsync.DecodeMessage(body, compressed)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if msg.FromNode == "" {
		WriteProblem(w, r, http.StatusBadRequest, "from_node is required")
		return
	}

	res, err := h.applier.Apply(r.Context(), msg)
	if err != nil {
		slog.Error("replication apply failed",
			"component", "api",
			"action", "cluster_replicate",
			"from_node", msg.FromNode,
			"entries", len(msg.Entries),
			"error", err,
		)
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ClusterLog handles GET /api/v1/cluster/log?after=&limit=
func (h *Handler) ClusterLog(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryUint(r, "limit", defaultLogLimit)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxLogLimit {
		limit = maxLogLimit
	}

	ctx := r.Context()
	entries, err := h.store.EntriesAfter(ctx, after, int(limit))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	current, err := h.store.CurrentSequence(ctx)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []concordsync.LogEntry{}
	}

	writeJSON(w, http.StatusOK, concordsync.ReplicationMessage{
		FromNode:        h.store.NodeID(),
		Entries:         entries,
		HasMore:         uint64(len(entries)) == limit,
		CurrentSequence: current,
	})
}

// ClusterStatus handles GET /api/v1/cluster/status
func (h *Handler) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	current, err := h.store.CurrentSequence(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	resp := ClusterStatusResponse{
		NodeID:          h.store.NodeID(),
		CurrentSequence: current,
		Peers:           []replication.Peer{},
		SentSequences:   map[string]uint64{},
		OriginSequences: map[string]uint64{},
	}
	if h.gossiper != nil {
		resp.Peers = h.gossiper.Peers()
		resp.SentSequences = h.gossiper.SentSequences()
	}
	if h.applier != nil {
		resp.OriginSequences = h.applier.Tracker().Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryUint(r *http.Request, name string, def uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

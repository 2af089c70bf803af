package api

import (
	"log/slog"
	"net/http"
	"time"

	concordsync "github.com/hyperengineering/concord/internal/sync"
)

// SyncRegister handles POST /api/v1/sync/session
func (h *Handler) SyncRegister(w http.ResponseWriter, r *http.Request) {
	var req concordsync.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// The key is bound into the session signature, so it is checked here
	// rather than per request.
	if h.apiKey != "" && !constantTimeEqual(req.APIKey, h.apiKey) {
		slog.Warn("sync register auth failure",
			"component", "api",
			"device_id", req.DeviceID,
			"remote_ip", r.RemoteAddr,
		)
		WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")
		return
	}

	resp, err := h.sync.Register(r.Context(), req)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncPull handles POST /api/v1/sync/pull
func (h *Handler) SyncPull(w http.ResponseWriter, r *http.Request) {
	var req concordsync.PullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.sync.Pull(r.Context(), req)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncPush handles POST /api/v1/sync/push
func (h *Handler) SyncPush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req concordsync.PushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.sync.Push(r.Context(), req)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}

	slog.Info("sync push completed",
		"component", "api",
		"action", "sync_push",
		"changes", len(req.Changes),
		"accepted", resp.Accepted,
		"rejected", resp.Rejected,
		"conflicts", len(resp.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// SyncAck handles POST /api/v1/sync/ack
func (h *Handler) SyncAck(w http.ResponseWriter, r *http.Request) {
	var req concordsync.AckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.sync.Ack(r.Context(), req)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncConflicts handles GET /api/v1/sync/conflicts?session_id=
func (h *Handler) SyncConflicts(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		WriteProblem(w, r, http.StatusBadRequest, "session_id is required")
		return
	}
	resp, err := h.sync.Conflicts(r.Context(), sessionID)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []concordsync.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncResolve handles POST /api/v1/sync/resolve
func (h *Handler) SyncResolve(w http.ResponseWriter, r *http.Request) {
	var req concordsync.ResolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.sync.Resolve(r.Context(), req)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

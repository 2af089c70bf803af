package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/concord/internal/docstore"
	concordsync "github.com/hyperengineering/concord/internal/sync"
	"github.com/hyperengineering/concord/internal/vclock"
)

// NameRequest creates a database or collection.
type NameRequest struct {
	Name string `json:"name"`
}

// WriteResponse describes the log entry a write produced.
type WriteResponse struct {
	Sequence   uint64                `json:"sequence"`
	Operation  concordsync.Operation `json:"operation"`
	Database   string                `json:"database"`
	Collection string                `json:"collection,omitempty"`
	Key        string                `json:"key,omitempty"`
	Vector     *vclock.VersionVector `json:"vector,omitempty"`
}

func writeResponse(e *concordsync.LogEntry) WriteResponse {
	return WriteResponse{
		Sequence:   e.Sequence,
		Operation:  e.Operation,
		Database:   e.Database,
		Collection: e.Collection,
		Key:        e.Key,
		Vector:     e.Vector,
	}
}

// ListDatabases handles GET /api/v1/databases
func (h *Handler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := h.engine.ListDatabases(r.Context())
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	if dbs == nil {
		dbs = []docstore.DatabaseInfo{}
	}
	writeJSON(w, http.StatusOK, dbs)
}

// CreateDatabase handles POST /api/v1/databases
func (h *Handler) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := docstore.ValidateName(req.Name); err != nil {
		MapServiceError(w, r, err)
		return
	}
	entry, err := h.writer.CreateDatabase(r.Context(), req.Name)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse(entry))
}

// GetDatabase handles GET /api/v1/databases/{db}
func (h *Handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.DatabaseInfo(r.Context(), chi.URLParam(r, "db"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DeleteDatabase handles DELETE /api/v1/databases/{db}
func (h *Handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	entry, err := h.writer.DeleteDatabase(r.Context(), chi.URLParam(r, "db"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse(entry))
}

// CreateCollection handles POST /api/v1/databases/{db}/collections
func (h *Handler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := docstore.ValidateName(req.Name); err != nil {
		MapServiceError(w, r, err)
		return
	}
	entry, err := h.writer.CreateCollection(r.Context(), chi.URLParam(r, "db"), req.Name)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writeResponse(entry))
}

// DeleteCollection handles DELETE /api/v1/databases/{db}/collections/{coll}
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	entry, err := h.writer.DeleteCollection(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "coll"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse(entry))
}

// TruncateCollection handles POST /api/v1/databases/{db}/collections/{coll}/truncate
func (h *Handler) TruncateCollection(w http.ResponseWriter, r *http.Request) {
	entry, err := h.writer.TruncateCollection(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "coll"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse(entry))
}

// PutDocument handles PUT /api/v1/databases/{db}/collections/{coll}/documents/{key}
func (h *Handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	db, coll := chi.URLParam(r, "db"), chi.URLParam(r, "coll")
	if err := validateTarget(db, coll); err != nil {
		MapServiceError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		if isTooLarge(err) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Document too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if !json.Valid(body) {
		WriteProblem(w, r, http.StatusBadRequest, "Document body must be valid JSON")
		return
	}

	entry, err := h.writer.Update(r.Context(), db, coll, chi.URLParam(r, "key"), body)
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse(entry))
}

// GetDocument handles GET /api/v1/databases/{db}/collections/{coll}/documents/{key}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	data, err := h.engine.Get(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "coll"), chi.URLParam(r, "key"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// DeleteDocument handles DELETE /api/v1/databases/{db}/collections/{coll}/documents/{key}
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	entry, err := h.writer.Delete(r.Context(), chi.URLParam(r, "db"), chi.URLParam(r, "coll"), chi.URLParam(r, "key"))
	if err != nil {
		MapServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse(entry))
}

func validateTarget(db, coll string) error {
	if err := docstore.ValidateName(db); err != nil {
		return err
	}
	return docstore.ValidateName(coll)
}

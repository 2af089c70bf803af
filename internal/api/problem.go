package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/session"
	"github.com/hyperengineering/concord/internal/snapshot"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/syncsvc"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

const problemBase = "https://concord.dev/errors/"

// Session problem types. Sync clients match on these to re-register.
const (
	ProblemInvalidSession  = problemBase + "invalid-session"
	ProblemSessionNotFound = problemBase + "session-not-found"
)

// problemTypes maps HTTP status codes to RFC 7807 type slugs and titles.
var problemTypes = map[int]struct {
	slug  string
	title string
}{
	http.StatusBadRequest:            {slug: "bad-request", title: "Bad Request"},
	http.StatusUnauthorized:          {slug: "unauthorized", title: "Unauthorized"},
	http.StatusNotFound:              {slug: "not-found", title: "Not Found"},
	http.StatusConflict:              {slug: "conflict", title: "Conflict"},
	http.StatusRequestEntityTooLarge: {slug: "payload-too-large", title: "Payload Too Large"},
	http.StatusInternalServerError:   {slug: "internal-error", title: "Internal Server Error"},
	http.StatusServiceUnavailable:    {slug: "service-unavailable", title: "Service Unavailable"},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt.slug = "unknown"
		pt.title = http.StatusText(status)
	}
	writeProblem(w, r, Problem{
		Type:     problemBase + pt.slug,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	if p.Instance == "" {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapServiceError converts domain errors to Problem Details responses.
// Validation messages are safe to echo; anything unrecognized is logged and
// reported as a bare 500.
func MapServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncsvc.ErrValidation),
		errors.Is(err, docstore.ErrInvalidName),
		errors.Is(err, docstore.ErrInvalidDocument):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidSession):
		writeProblem(w, r, Problem{
			Type:   ProblemInvalidSession,
			Title:  "Invalid Session",
			Status: http.StatusUnauthorized,
			Detail: "Invalid session",
		})
	case errors.Is(err, session.ErrSessionNotFound):
		writeProblem(w, r, Problem{
			Type:   ProblemSessionNotFound,
			Title:  "Session Not Found",
			Status: http.StatusNotFound,
			Detail: "Session not found",
		})
	case errors.Is(err, syncsvc.ErrConflictNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Conflict not found")
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, docstore.ErrAlreadyExists):
		WriteProblem(w, r, http.StatusConflict, "Resource already exists")
	case errors.Is(err, snapshot.ErrNotConfigured):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot storage not configured")
	default:
		slog.Error("request failed",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}

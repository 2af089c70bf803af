package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/concord/internal/docstore"
	"github.com/hyperengineering/concord/internal/session"
	"github.com/hyperengineering/concord/internal/snapshot"
	"github.com/hyperengineering/concord/internal/store"
	"github.com/hyperengineering/concord/internal/syncsvc"
)

func TestWriteProblem(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/databases/x", nil)
	rec := httptest.NewRecorder()

	WriteProblem(rec, req, http.StatusNotFound, "database x")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected application/problem+json, got %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	want := Problem{
		Type:     "https://concord.dev/errors/not-found",
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   "database x",
		Instance: "/api/v1/databases/x",
	}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteProblem(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Type != "https://concord.dev/errors/unknown" || p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("unexpected fallback problem: %+v", p)
	}
}

func TestMapServiceError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: key is required", syncsvc.ErrValidation), http.StatusBadRequest},
		{"invalid name", fmt.Errorf("%w: bad", docstore.ErrInvalidName), http.StatusBadRequest},
		{"invalid document", docstore.ErrInvalidDocument, http.StatusBadRequest},
		{"invalid session", session.ErrInvalidSession, http.StatusUnauthorized},
		{"session not found", session.ErrSessionNotFound, http.StatusNotFound},
		{"conflict not found", fmt.Errorf("%w: k", syncsvc.ErrConflictNotFound), http.StatusNotFound},
		{"document not found", fmt.Errorf("document a/b/c: %w", docstore.ErrNotFound), http.StatusNotFound},
		{"store not found", store.ErrNotFound, http.StatusNotFound},
		{"already exists", fmt.Errorf("database %q: %w", "app", docstore.ErrAlreadyExists), http.StatusConflict},
		{"snapshot not configured", snapshot.ErrNotConfigured, http.StatusServiceUnavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			MapServiceError(rec, httptest.NewRequest(http.MethodPost, "/x", nil), tt.err)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

func TestMapServiceError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()

	MapServiceError(rec, httptest.NewRequest(http.MethodPost, "/x", nil), errors.New("sqlite: table locked at /var/secret"))

	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("internal detail leaked: %q", p.Detail)
	}
}

func TestMapServiceError_SessionProblemTypes(t *testing.T) {
	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{session.ErrInvalidSession, http.StatusUnauthorized, ProblemInvalidSession},
		{session.ErrSessionNotFound, http.StatusNotFound, ProblemSessionNotFound},
		{syncsvc.ErrConflictNotFound, http.StatusNotFound, "https://concord.dev/errors/not-found"},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			rec := httptest.NewRecorder()
			MapServiceError(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sync/pull", nil), tt.err)

			var p Problem
			if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
				t.Fatalf("decode problem: %v", err)
			}
			if rec.Code != tt.status || p.Status != tt.status || p.Type != tt.typ {
				t.Errorf("got %d %+v, want %d %s", rec.Code, p, tt.status, tt.typ)
			}
			if p.Instance != "/api/v1/sync/pull" {
				t.Errorf("expected instance to be the request path, got %q", p.Instance)
			}
		})
	}
}

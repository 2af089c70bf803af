package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/concord/internal/replication"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"trims whitespace", "Bearer   abc123  ", "abc123"},
		{"missing", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"lowercase scheme", "bearer abc123", ""},
		{"no token", "Bearer ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := extractBearerToken(req); got != tt.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !constantTimeEqual("secret", "secret") {
		t.Error("equal strings should compare equal")
	}
	if constantTimeEqual("secret", "secreT") {
		t.Error("different strings should not compare equal")
	}
	if constantTimeEqual("secret", "secret-longer") {
		t.Error("different lengths should not compare equal")
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := AuthMiddleware("key")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 || strings.Contains(rec.Body.String(), "\"key\"") {
		t.Errorf("response must be a problem without the expected key: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("valid token: expected 204, got %d", rec.Code)
	}
}

func TestClusterSecretMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"match", "s3cret", "s3cret", http.StatusNoContent},
		{"mismatch", "s3cret", "other", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/cluster/replicate", nil)
			if tt.header != "" {
				req.Header.Set(replication.ClusterSecretHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			ClusterSecretMiddleware(tt.secret)(okHandler()).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestLoggingMiddleware_CapturesStatus(t *testing.T) {
	var captured *responseWriter
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if captured == nil {
		t.Fatal("expected the wrapped response writer")
	}
	if captured.statusCode != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Errorf("expected 418 to be captured and forwarded, got %d/%d", captured.statusCode, rec.Code)
	}
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}

	if _, _, err := rw.Hijack(); err == nil {
		t.Error("expected an error when the underlying writer cannot hijack")
	}
}

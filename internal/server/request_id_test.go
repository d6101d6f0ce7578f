package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"framedeck/internal/observability/logging"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(discardLogger(), func() string { return "generated-id" }, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos", nil))

	if seen != "generated-id" {
		t.Fatalf("expected generated id in context, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("expected id echoed in response header, got %q", got)
	}
}

func TestRequestIDMiddlewareKeepsClientID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddleware(discardLogger(), next)

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("X-Request-Id", "client-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "client-id" {
		t.Fatalf("expected client id preserved, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "client-id" {
		t.Fatalf("expected client id echoed, got %q", got)
	}
}

func TestRequestIDMiddlewareTagsVideoID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = logging.VideoIDFromContext(r.Context())
	})
	handler := requestIDMiddleware(discardLogger(), next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos/abc-123/status", nil))

	if seen != "abc-123" {
		t.Fatalf("expected video id from path, got %q", seen)
	}
}

func TestVideoIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/videos/abc-123", "abc-123"},
		{"/api/videos/abc-123/status", "abc-123"},
		{"/api/videos/abc-123/restore", "abc-123"},
		{"/api/videos/deleted", ""},
		{"/api/videos/", ""},
		{"/api/videos", ""},
		{"/healthz", ""},
	}
	for _, tc := range cases {
		if got := videoIDFromPath(tc.path); got != tc.want {
			t.Errorf("videoIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	first := newRequestID()
	second := newRequestID()
	if first == "" || first == second {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", first, second)
	}
}

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCORSHandler(t *testing.T, origins ...string) http.Handler {
	t.Helper()
	policy, err := newCORSPolicy(CORSConfig{AllowedOrigins: origins})
	if err != nil {
		t.Fatalf("build cors policy: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return corsMiddleware(policy, discardLogger(), next)
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	handler := newCORSHandler(t, "https://review.example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/videos?bucket=tenant-a", nil)
	req.Header.Set("Origin", "https://review.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://review.example.com" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
}

func TestCORSBlocksUnknownOrigin(t *testing.T) {
	handler := newCORSHandler(t, "https://review.example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCORSIgnoresSameOriginRequests(t *testing.T) {
	handler := newCORSHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without Origin header, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers without an Origin")
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newCORSHandler(t, "https://review.example.com")

	req := httptest.NewRequest(http.MethodOptions, "/api/videos/abc-123", nil)
	req.Header.Set("Origin", "https://review.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
		t.Fatalf("unexpected allowed methods %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Actor" {
		t.Fatalf("unexpected allowed headers %q", got)
	}
}

func TestCORSRejectsMalformedOriginConfig(t *testing.T) {
	if _, err := newCORSPolicy(CORSConfig{AllowedOrigins: []string{"review.example.com"}}); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, err := normalizeOrigin("HTTPS://Review.Example.COM")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "https://review.example.com" {
		t.Fatalf("expected lowercased origin, got %q", got)
	}
}

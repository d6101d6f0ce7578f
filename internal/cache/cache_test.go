package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"framedeck/internal/testsupport/redisstub"
)

type snapshot struct {
	VideoID         string `json:"videoId"`
	ProgressPercent int    `json:"progressPercent"`
}

func newTestCache(t *testing.T) (*StatusCache, *redisstub.Server) {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	c := New(Config{Addr: stub.Addr(), TTL: time.Minute}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c == nil {
		t.Fatal("expected cache with configured address")
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, stub
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "video-1", snapshot{VideoID: "video-1", ProgressPercent: 40})

	var got snapshot
	if !c.Get(ctx, "video-1", &got) {
		t.Fatal("expected cache hit")
	}
	if got.VideoID != "video-1" || got.ProgressPercent != 40 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)
	var got snapshot
	if c.Get(context.Background(), "never-set", &got) {
		t.Fatal("expected cache miss")
	}
}

func TestInvalidate(t *testing.T) {
	c, stub := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "video-1", snapshot{VideoID: "video-1"})
	c.Invalidate(ctx, "video-1")

	var got snapshot
	if c.Get(ctx, "video-1", &got) {
		t.Fatal("expected entry gone after invalidate")
	}
	if keys := stub.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys left on the server, got %v", keys)
	}
}

func TestKeysCarryNamespace(t *testing.T) {
	c, stub := newTestCache(t)
	c.Set(context.Background(), "video-1", snapshot{VideoID: "video-1"})

	keys := stub.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %v", keys)
	}
	if keys[0] != "framedeck:status:video-1" {
		t.Fatalf("unexpected key %q", keys[0])
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *StatusCache
	ctx := context.Background()

	c.Set(ctx, "video-1", snapshot{})
	c.Invalidate(ctx, "video-1")
	var got snapshot
	if c.Get(ctx, "video-1", &got) {
		t.Fatal("nil cache must always miss")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("nil cache close: %v", err)
	}
}

func TestNewWithoutAddrDisablesCache(t *testing.T) {
	if c := New(Config{}, nil); c != nil {
		t.Fatal("expected nil cache when no address is configured")
	}
}

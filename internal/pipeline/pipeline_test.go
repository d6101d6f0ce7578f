package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"framedeck/internal/cache"
	"framedeck/internal/models"
	"framedeck/internal/observability/metrics"
	"framedeck/internal/storage"
	"framedeck/internal/testsupport/redisstub"
	"framedeck/internal/transcode"
)

// fakeObjectStore keeps objects in a map so tests can assert exactly which
// keys the worker wrote and removed.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeObjectStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeObjectStore) Put(_ context.Context, key string, reader io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.put(key, data)
	return nil
}

func (f *fakeObjectStore) PutFile(_ context.Context, key, path, _ string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.put(key, data)
	return nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found: " + key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	return f.Get(ctx, key)
}

func (f *fakeObjectStore) Download(_ context.Context, key, path string) error {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return errors.New("object not found: " + key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// fakeTranscoder writes a rung playlist plus one segment into the output dir,
// which is all the upload walk needs.
type fakeTranscoder struct {
	err error
}

func (f *fakeTranscoder) Probe(context.Context, string) (time.Duration, error) {
	return 42 * time.Second, nil
}

func (f *fakeTranscoder) TranscodeRung(_ context.Context, req transcode.Request, progress transcode.ProgressFunc) (transcode.Result, error) {
	if f.err != nil {
		return transcode.Result{}, f.err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return transcode.Result{}, err
	}
	playlist := filepath.Join(req.OutputDir, "index.m3u8")
	if err := os.WriteFile(playlist, []byte("#EXTM3U\nseg0.ts\n"), 0o644); err != nil {
		return transcode.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, "seg0.ts"), []byte("segment"), 0o644); err != nil {
		return transcode.Result{}, err
	}
	if progress != nil {
		progress(0.5)
		progress(1)
	}
	return transcode.Result{PlaylistPath: playlist}, nil
}

var testLadder = []transcode.Rung{
	{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
	{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
}

func newTestPipeline(t *testing.T, store storage.Repository, objects *fakeObjectStore, tr transcode.Transcoder) *Pipeline {
	t.Helper()
	return New(Config{
		Store:        store,
		Objects:      objects,
		Transcoder:   tr,
		Ladder:       testLadder,
		ScratchDir:   t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		WorkerID:     "worker-test",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Recorder:     metrics.New(),
	})
}

func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("shutdown pipeline: %v", err)
		}
	})
}

func createQueuedVideo(t *testing.T, store storage.Repository, filename string) models.Video {
	t.Helper()
	video, err := store.CreateVideo(context.Background(), storage.CreateVideoParams{
		Bucket:    "tenant-a",
		Filename:  filename,
		ObjectKey: "uploads/" + filename,
		SizeBytes: 1024,
	})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	return video
}

func waitForState(t *testing.T, store storage.Repository, videoID string, want models.ProcessingState) models.Video {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		video, err := store.GetVideo(context.Background(), videoID)
		if err != nil {
			t.Fatalf("get video: %v", err)
		}
		if video.ProcessingState == want {
			return video
		}
		time.Sleep(5 * time.Millisecond)
	}
	video, _ := store.GetVideo(context.Background(), videoID)
	t.Fatalf("video %s never reached %s, stuck at %s", videoID, want, video.ProcessingState)
	return models.Video{}
}

func TestPipelineTranscodesQueuedVideo(t *testing.T) {
	store := storage.NewMemoryStore()
	objects := newFakeObjectStore()
	video := createQueuedVideo(t, store, "intro.mp4")
	objects.put(video.ObjectKey, []byte("raw upload"))

	p := newTestPipeline(t, store, objects, &fakeTranscoder{})
	startPipeline(t, p)
	if err := p.Enqueue(context.Background(), video.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := waitForState(t, store, video.ID, models.ProcessingReady)
	if done.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %d", done.ProgressPercent)
	}
	if !done.HLSReady {
		t.Fatal("expected HLS to be marked ready")
	}
	wantManifest := done.SourcePrefix() + "hls/index.m3u8"
	if done.HLSPath != wantManifest {
		t.Fatalf("expected HLS path %q, got %q", wantManifest, done.HLSPath)
	}
	if done.LastError != "" || done.ClaimedBy != "" {
		t.Fatalf("expected error and claim cleared, got %q / %q", done.LastError, done.ClaimedBy)
	}

	wantSource := done.SourcePrefix() + "source/intro.mp4"
	if done.ObjectKey != wantSource {
		t.Fatalf("expected staged object key %q, got %q", wantSource, done.ObjectKey)
	}
	for _, key := range []string{
		wantSource,
		wantManifest,
		done.SourcePrefix() + "hls/720p/index.m3u8",
		done.SourcePrefix() + "hls/720p/seg0.ts",
		done.SourcePrefix() + "hls/360p/index.m3u8",
	} {
		if !objects.has(key) {
			t.Errorf("expected object %q in storage", key)
		}
	}
	if objects.has("uploads/intro.mp4") {
		t.Error("expected temp upload to be removed after packaging")
	}
}

func TestPipelineRecordsFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	objects := newFakeObjectStore()
	video := createQueuedVideo(t, store, "broken.mp4")
	objects.put(video.ObjectKey, []byte("raw upload"))

	p := newTestPipeline(t, store, objects, &fakeTranscoder{err: errors.New("encoder exploded")})
	startPipeline(t, p)
	if err := p.Enqueue(context.Background(), video.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failed := waitForState(t, store, video.ID, models.ProcessingFailed)
	if !strings.Contains(failed.LastError, "encoder exploded") {
		t.Fatalf("expected failure message on row, got %q", failed.LastError)
	}
	if failed.HLSReady {
		t.Fatal("failed video must not report HLS ready")
	}
}

func TestEnqueueRearmsFailedVideo(t *testing.T) {
	store := storage.NewMemoryStore()
	video := createQueuedVideo(t, store, "retry.mp4")

	failed := models.ProcessingFailed
	message := "encoder exploded"
	claimed := "worker-old"
	if _, err := store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{
		ProcessingState: &failed,
		LastError:       &message,
		ClaimedBy:       &claimed,
	}); err != nil {
		t.Fatalf("seed failed video: %v", err)
	}

	p := newTestPipeline(t, store, newFakeObjectStore(), &fakeTranscoder{})
	if err := p.Enqueue(context.Background(), video.ID); err != nil {
		t.Fatalf("enqueue failed video: %v", err)
	}

	rearmed, err := store.GetVideo(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if rearmed.ProcessingState != models.ProcessingQueued {
		t.Fatalf("expected queued, got %s", rearmed.ProcessingState)
	}
	if rearmed.AttemptCount != video.AttemptCount+1 {
		t.Fatalf("expected attempt count bumped to %d, got %d", video.AttemptCount+1, rearmed.AttemptCount)
	}
	if rearmed.LastError != "" || rearmed.ClaimedBy != "" || rearmed.ProgressPercent != 0 {
		t.Fatal("expected error, claim and progress reset on re-arm")
	}
}

func TestEnqueueLeavesSettledVideosAlone(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(t, store, newFakeObjectStore(), &fakeTranscoder{})

	queued := createQueuedVideo(t, store, "waiting.mp4")
	if err := p.Enqueue(context.Background(), queued.ID); err != nil {
		t.Fatalf("enqueue queued video: %v", err)
	}
	after, err := store.GetVideo(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if after.AttemptCount != queued.AttemptCount {
		t.Fatal("enqueue of an already queued video must not bump attempts")
	}

	done := createQueuedVideo(t, store, "done.mp4")
	ready := models.ProcessingReady
	progress := 100
	if _, err := store.UpdateVideo(context.Background(), done.ID, storage.VideoUpdate{
		ProcessingState: &ready,
		ProgressPercent: &progress,
	}); err != nil {
		t.Fatalf("seed ready video: %v", err)
	}
	if err := p.Enqueue(context.Background(), done.ID); err != nil {
		t.Fatalf("enqueue ready video: %v", err)
	}
	after, err = store.GetVideo(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if after.ProcessingState != models.ProcessingReady || after.ProgressPercent != 100 {
		t.Fatal("enqueue of a ready video must not disturb it")
	}
}

func TestEnqueueRejectsDeletedVideo(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(t, store, newFakeObjectStore(), &fakeTranscoder{})

	video := createQueuedVideo(t, store, "gone.mp4")
	deletedAt := time.Now().UTC()
	purgeAt := deletedAt.Add(96 * time.Hour)
	if _, err := store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{
		DeletedAt: &deletedAt,
		PurgeAt:   &purgeAt,
	}); err != nil {
		t.Fatalf("soft-delete video: %v", err)
	}

	if err := p.Enqueue(context.Background(), video.ID); !errors.Is(err, ErrVideoDeleted) {
		t.Fatalf("expected ErrVideoDeleted, got %v", err)
	}
}

func TestStatusReportsQueuePosition(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	p := newTestPipeline(t, store, newFakeObjectStore(), &fakeTranscoder{})

	first := createQueuedVideo(t, store, "one.mp4")
	now = now.Add(time.Second)
	second := createQueuedVideo(t, store, "two.mp4")
	now = now.Add(time.Second)
	third := createQueuedVideo(t, store, "three.mp4")

	status, err := p.Status(context.Background(), third.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != models.ProcessingQueued {
		t.Fatalf("expected queued, got %s", status.State)
	}
	if status.QueuePosition != 2 {
		t.Fatalf("expected position 2, got %d", status.QueuePosition)
	}

	for i, video := range []models.Video{first, second} {
		status, err := p.Status(context.Background(), video.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.QueuePosition != i {
			t.Fatalf("expected position %d for %s, got %d", i, video.Filename, status.QueuePosition)
		}
	}
}

func TestStatusPositionStaysFreshWithCache(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	statuses := cache.New(cache.Config{Addr: stub.Addr(), TTL: time.Minute}, logger)
	t.Cleanup(func() { _ = statuses.Close() })

	store := storage.NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	p := New(Config{
		Store:        store,
		Objects:      newFakeObjectStore(),
		Transcoder:   &fakeTranscoder{},
		Ladder:       testLadder,
		ScratchDir:   t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		WorkerID:     "worker-test",
		Logger:       logger,
		Recorder:     metrics.New(),
		StatusCache:  statuses,
	})

	first := createQueuedVideo(t, store, "one.mp4")
	now = now.Add(time.Second)
	second := createQueuedVideo(t, store, "two.mp4")

	transcoding := models.ProcessingTranscoding
	claimed := "worker-dead"
	claimedAt := now
	for _, video := range []models.Video{first, second} {
		if _, err := store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{
			ProcessingState: &transcoding,
			ClaimedBy:       &claimed,
			ClaimedAt:       &claimedAt,
		}); err != nil {
			t.Fatalf("seed stuck video: %v", err)
		}
	}

	// Recovery puts both rows back in the queue. Their positions must come
	// from the store on every poll, not from a snapshot written at recovery
	// time, which would freeze both at the front of the line.
	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	status, err := p.Status(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != models.ProcessingQueued {
		t.Fatalf("expected queued, got %s", status.State)
	}
	if status.QueuePosition != 1 {
		t.Fatalf("expected position 1 behind the older row, got %d", status.QueuePosition)
	}
	status, err = p.Status(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.QueuePosition != 0 {
		t.Fatalf("expected position 0 for the oldest row, got %d", status.QueuePosition)
	}
}

func TestRecoverRequeuesStuckVideos(t *testing.T) {
	store := storage.NewMemoryStore()
	p := newTestPipeline(t, store, newFakeObjectStore(), &fakeTranscoder{})

	stuck := createQueuedVideo(t, store, "stuck.mp4")
	transcoding := models.ProcessingTranscoding
	progress := 40
	claimed := "worker-dead"
	claimedAt := time.Now().UTC()
	if _, err := store.UpdateVideo(context.Background(), stuck.ID, storage.VideoUpdate{
		ProcessingState: &transcoding,
		ProgressPercent: &progress,
		ClaimedBy:       &claimed,
		ClaimedAt:       &claimedAt,
	}); err != nil {
		t.Fatalf("seed stuck video: %v", err)
	}
	waiting := createQueuedVideo(t, store, "waiting.mp4")

	if err := p.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	recovered, err := store.GetVideo(context.Background(), stuck.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if recovered.ProcessingState != models.ProcessingQueued {
		t.Fatalf("expected stuck video re-queued, got %s", recovered.ProcessingState)
	}
	if recovered.AttemptCount != stuck.AttemptCount+1 {
		t.Fatalf("expected attempt count bumped, got %d", recovered.AttemptCount)
	}
	if recovered.ClaimedBy != "" || recovered.ProgressPercent != 0 {
		t.Fatal("expected claim and progress cleared on recovery")
	}

	untouched, err := store.GetVideo(context.Background(), waiting.ID)
	if err != nil {
		t.Fatalf("get video: %v", err)
	}
	if untouched.AttemptCount != waiting.AttemptCount {
		t.Fatal("recovery must not touch unclaimed queued videos")
	}
}

// Package pipeline contains the transcode queue, the single worker that
// drains it, and the startup recovery scan. The queue's backing store is the
// videos table itself: membership and order are reconstructed purely from
// rows in non-terminal processing states, so a crash can never lose the
// backlog.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"framedeck/internal/cache"
	"framedeck/internal/models"
	"framedeck/internal/objectstore"
	"framedeck/internal/observability/logging"
	"framedeck/internal/observability/metrics"
	"framedeck/internal/storage"
	"framedeck/internal/transcode"
)

// ErrVideoDeleted rejects pipeline operations against soft-deleted rows,
// which are frozen until restored or purged.
var ErrVideoDeleted = errors.New("video is deleted")

// Status is the answer to a processing-status poll. It is always read from
// durable row state (optionally through the cache), never from worker
// internals, so polling can never block a transcode.
type Status struct {
	VideoID         string                 `json:"videoId"`
	State           models.ProcessingState `json:"processingState"`
	ProgressPercent int                    `json:"progressPercent"`
	QueuePosition   int                    `json:"queuePosition"`
	LastError       string                 `json:"lastError,omitempty"`
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store        storage.Repository
	Objects      objectstore.Store
	Transcoder   transcode.Transcoder
	Ladder       []transcode.Rung
	ScratchDir   string
	PollInterval time.Duration
	WorkerID     string
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
	StatusCache  *cache.StatusCache
}

// Pipeline owns the queue surface and the worker loop. Transcoding is
// CPU-bound and ffmpeg is internally multi-threaded, so exactly one job runs
// at a time; enqueue and status calls stay concurrent and non-blocking.
type Pipeline struct {
	store      storage.Repository
	objects    objectstore.Store
	transcoder transcode.Transcoder
	ladder     []transcode.Rung
	scratchDir string
	poll       time.Duration
	workerID   string
	logger     *slog.Logger
	recorder   *metrics.Recorder
	statuses   *cache.StatusCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify chan struct{}

	mu      sync.Mutex
	started bool
}

const defaultPollInterval = 2 * time.Second

// New constructs a Pipeline. Start must be called before jobs are processed.
func New(cfg Config) *Pipeline {
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = transcode.DefaultLadder()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:      cfg.Store,
		objects:    cfg.Objects,
		transcoder: cfg.Transcoder,
		ladder:     ladder,
		scratchDir: scratch,
		poll:       poll,
		workerID:   workerID,
		logger:     logging.WithComponent(logger, "pipeline"),
		recorder:   recorder,
		statuses:   cfg.StatusCache,
		ctx:        ctx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
	}
}

// Start launches the worker loop. Calling it twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker()
}

// Shutdown cancels the worker and waits for it to exit. An in-flight
// transcode is abandoned, not drained; the recovery scan re-queues it on the
// next boot.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue marks the video queued and nudges the worker. It is idempotent per
// video: queued, active, and ready rows are left untouched. A failed row is
// re-armed for another attempt, which is the explicit retry path (there is no
// automatic one).
func (p *Pipeline) Enqueue(ctx context.Context, videoID string) error {
	video, err := p.store.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if video.Deleted() {
		return ErrVideoDeleted
	}
	switch {
	case video.ProcessingState == models.ProcessingQueued,
		video.ProcessingState.Active(),
		video.ProcessingState == models.ProcessingReady:
		p.nudge()
		return nil
	}

	// The store re-arms conditionally on the row still being failed, so two
	// concurrent retries bump attempt_count exactly once. Losing the race
	// means someone else already re-queued it; a nudge is all that's left.
	rearmed, ok, err := p.store.RequeueFailed(ctx, videoID)
	if err != nil {
		return fmt.Errorf("enqueue video %s: %w", videoID, err)
	}
	if ok {
		p.cacheSnapshot(ctx, rearmed)
	}
	p.nudge()
	return nil
}

// Status reports the durable processing state of a video. Queue position is
// derived by counting older queued rows; it is 0 for the next video in line
// and for any video no longer waiting.
func (p *Pipeline) Status(ctx context.Context, videoID string) (Status, error) {
	var cached Status
	if p.statuses.Get(ctx, videoID, &cached) {
		return cached, nil
	}
	video, err := p.store.GetVideo(ctx, videoID)
	if err != nil {
		return Status{}, err
	}
	if video.Deleted() {
		return Status{}, ErrVideoDeleted
	}
	position := 0
	if video.ProcessingState == models.ProcessingQueued {
		position, err = p.store.QueuePosition(ctx, videoID)
		if err != nil {
			return Status{}, err
		}
	}
	return statusOf(video, position), nil
}

func statusOf(video models.Video, position int) Status {
	return Status{
		VideoID:         video.ID,
		State:           video.ProcessingState,
		ProgressPercent: video.ProgressPercent,
		QueuePosition:   position,
		LastError:       video.LastError,
	}
}

// cacheSnapshot publishes a video's state to the status cache. Queued rows
// are only invalidated, never written: their queue position changes whenever
// an older row drains, so a cached copy would pin a stale position for the
// whole TTL.
func (p *Pipeline) cacheSnapshot(ctx context.Context, video models.Video) {
	if video.ProcessingState == models.ProcessingQueued {
		p.statuses.Invalidate(ctx, video.ID)
		return
	}
	p.statuses.Set(ctx, video.ID, statusOf(video, 0))
}

// nudge wakes the worker without blocking the caller.
func (p *Pipeline) nudge() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

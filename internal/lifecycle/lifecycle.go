// Package lifecycle moves videos through the soft-delete → grace window →
// permanent purge sequence. A soft-deleted row is frozen (no processing
// transitions) and restorable until its purge deadline; the purge sweep then
// removes storage objects first and the metadata row second, so a row is
// never dropped while billable objects still hide behind it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"framedeck/internal/cache"
	"framedeck/internal/models"
	"framedeck/internal/objectstore"
	"framedeck/internal/observability/logging"
	"framedeck/internal/observability/metrics"
	"framedeck/internal/storage"
)

var (
	// ErrNotTerminal rejects soft deletion of a video still owned by (or
	// waiting for) the worker. Deleting mid-transcode would race the
	// worker's writes; callers wait for success or failure first.
	ErrNotTerminal = errors.New("video processing has not finished")
	// ErrAlreadyDeleted rejects a second soft delete of the same video.
	ErrAlreadyDeleted = errors.New("video is already deleted")
)

// DefaultRetention is the grace window before a soft-deleted video is purged.
const DefaultRetention = 96 * time.Hour

// DefaultSweepInterval is how often the background sweep looks for expired
// rows. A sweep also runs once at startup.
const DefaultSweepInterval = time.Hour

// Config wires the lifecycle manager.
type Config struct {
	Store         storage.Repository
	Objects       objectstore.Store
	Retention     time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Recorder      *metrics.Recorder
	StatusCache   *cache.StatusCache
	Now           func() time.Time
}

// Manager implements soft delete, restore, deleted listing, and the purge
// sweep.
type Manager struct {
	store     storage.Repository
	objects   objectstore.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	recorder  *metrics.Recorder
	statuses  *cache.StatusCache
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   bool
}

// NewManager constructs a Manager with defaulted retention and sweep interval.
func NewManager(cfg Config) *Manager {
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:     cfg.Store,
		objects:   cfg.Objects,
		retention: retention,
		interval:  interval,
		logger:    logging.WithComponent(logger, "lifecycle"),
		recorder:  recorder,
		statuses:  cfg.StatusCache,
		now:       now,
	}
}

// SoftDelete freezes a finished video behind the deleted listing and stamps
// its purge deadline. The row itself is the deletion backup: deleted_at
// partitions it out of every live listing query while its metadata remains
// intact for restore.
func (m *Manager) SoftDelete(ctx context.Context, videoID, actor string) error {
	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if video.Deleted() {
		return ErrAlreadyDeleted
	}
	if !video.ProcessingState.Terminal() {
		return ErrNotTerminal
	}

	deletedAt := m.now()
	purgeAt := deletedAt.Add(m.retention)
	deletedBy := strings.TrimSpace(actor)
	if _, err := m.store.UpdateVideo(ctx, videoID, storage.VideoUpdate{
		DeletedAt: &deletedAt,
		PurgeAt:   &purgeAt,
		DeletedBy: &deletedBy,
	}); err != nil {
		return fmt.Errorf("soft delete video %s: %w", videoID, err)
	}
	m.statuses.Invalidate(ctx, videoID)
	m.logger.Info("video soft-deleted", "video_id", videoID, "actor", deletedBy, "purge_at", purgeAt)
	return nil
}

// Restore brings a soft-deleted video back, valid strictly before its purge
// deadline. Past the deadline, or once the sweep has removed the row, the
// video is indistinguishable from one that never existed.
func (m *Manager) Restore(ctx context.Context, videoID string) error {
	video, err := m.store.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if !video.Deleted() {
		return nil
	}
	if video.PurgeAt != nil && !m.now().Before(*video.PurgeAt) {
		return storage.ErrNotFound
	}

	var cleared time.Time
	empty := ""
	if _, err := m.store.UpdateVideo(ctx, videoID, storage.VideoUpdate{
		DeletedAt: &cleared,
		PurgeAt:   &cleared,
		DeletedBy: &empty,
	}); err != nil {
		return fmt.Errorf("restore video %s: %w", videoID, err)
	}
	m.logger.Info("video restored", "video_id", videoID)
	return nil
}

// ListDeleted returns the soft-deleted, not-yet-purged videos of a bucket.
func (m *Manager) ListDeleted(ctx context.Context, bucket string) ([]models.Video, error) {
	return m.store.ListDeleted(ctx, bucket)
}

// PurgeExpired permanently removes every soft-deleted video whose deadline
// has passed and reports how many rows were dropped. Each row is its own
// atomic unit: storage objects go first, and any storage failure leaves the
// row in place for the next sweep rather than orphaning objects. A crash
// mid-sweep therefore loses nothing.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := m.store.ListExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("list expired videos: %w", err)
	}

	purged := 0
	for _, video := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		removed, err := m.objects.DeletePrefix(ctx, video.SourcePrefix())
		if err != nil {
			m.logger.Error("purge storage objects, row kept for next sweep",
				"video_id", video.ID, "removed", removed, "error", err)
			continue
		}
		// A job that failed before staging still points at the raw upload
		// outside the video's own prefix.
		if key := strings.TrimSpace(video.ObjectKey); key != "" && !strings.HasPrefix(key, video.SourcePrefix()) {
			if err := m.objects.Delete(ctx, key); err != nil {
				m.logger.Error("purge raw upload, row kept for next sweep",
					"video_id", video.ID, "key", key, "error", err)
				continue
			}
		}
		if err := m.store.DeleteVideo(ctx, video.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("purge video row", "video_id", video.ID, "error", err)
			continue
		}
		m.statuses.Invalidate(ctx, video.ID)
		m.logger.Info("video purged", "video_id", video.ID, "bucket", video.Bucket, "objects_removed", removed)
		purged++
	}
	m.recorder.VideosPurged(purged)
	return purged, nil
}

// Start launches the background sweep: once immediately, then on the
// configured interval until Shutdown.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.runs {
		m.mu.Unlock()
		return
	}
	m.runs = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Shutdown stops the sweep loop and waits for an in-progress sweep to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	m.sweepOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	count, err := m.PurgeExpired(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("purge sweep", "error", err)
		return
	}
	if count > 0 {
		m.logger.Info("purge sweep completed", "purged", count)
	}
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"framedeck/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Repository used by tests and the
// development storage driver. It applies the same validation as the Postgres
// store so the two stay behaviourally interchangeable.
type MemoryStore struct {
	mu     sync.RWMutex
	videos map[string]models.Video
	now    func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		videos: make(map[string]models.Video),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Tests use it to advance past purge
// deadlines without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func cloneVideo(v models.Video) models.Video {
	cloned := v
	if v.ReplacesVideoID != nil {
		id := *v.ReplacesVideoID
		cloned.ReplacesVideoID = &id
	}
	if v.ClaimedAt != nil {
		at := *v.ClaimedAt
		cloned.ClaimedAt = &at
	}
	if v.DeletedAt != nil {
		at := *v.DeletedAt
		cloned.DeletedAt = &at
	}
	if v.PurgeAt != nil {
		at := *v.PurgeAt
		cloned.PurgeAt = &at
	}
	return cloned
}

func (s *MemoryStore) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	bucket := strings.TrimSpace(params.Bucket)
	if bucket == "" {
		return models.Video{}, fmt.Errorf("bucket is required")
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.Video{}, fmt.Errorf("filename is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	video := models.Video{
		ID:              uuid.NewString(),
		Bucket:          bucket,
		Filename:        filename,
		ObjectKey:       strings.TrimSpace(params.ObjectKey),
		SizeBytes:       params.SizeBytes,
		Status:          models.StatusDraft,
		ProcessingState: models.ProcessingQueued,
		VersionGroupID:  strings.TrimSpace(params.VersionGroupID),
		UploadedBy:      strings.TrimSpace(params.UploadedBy),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if params.ReplacesVideoID != nil {
		if replaced := strings.TrimSpace(*params.ReplacesVideoID); replaced != "" {
			video.ReplacesVideoID = &replaced
		}
	}
	s.videos[video.ID] = video
	return cloneVideo(video), nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	return cloneVideo(video), nil
}

func (s *MemoryStore) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, ErrNotFound
	}
	applyVideoUpdate(&video, update)
	video.UpdatedAt = s.now()
	s.videos[id] = video
	return cloneVideo(video), nil
}

func applyVideoUpdate(video *models.Video, update VideoUpdate) {
	if update.Status != nil {
		video.Status = *update.Status
	}
	if update.ProcessingState != nil {
		video.ProcessingState = *update.ProcessingState
	}
	if update.ProgressPercent != nil {
		progress := *update.ProgressPercent
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		video.ProgressPercent = progress
	}
	if update.LastError != nil {
		video.LastError = strings.TrimSpace(*update.LastError)
	}
	if update.AttemptCount != nil {
		video.AttemptCount = *update.AttemptCount
	}
	if update.HLSReady != nil {
		video.HLSReady = *update.HLSReady
	}
	if update.HLSPath != nil {
		video.HLSPath = strings.TrimSpace(*update.HLSPath)
	}
	if update.ObjectKey != nil {
		video.ObjectKey = strings.TrimSpace(*update.ObjectKey)
	}
	if update.VersionGroupID != nil {
		video.VersionGroupID = strings.TrimSpace(*update.VersionGroupID)
	}
	if update.ReplacesVideoID != nil {
		if trimmed := strings.TrimSpace(*update.ReplacesVideoID); trimmed == "" {
			video.ReplacesVideoID = nil
		} else {
			video.ReplacesVideoID = &trimmed
		}
	}
	if update.ClaimedBy != nil {
		video.ClaimedBy = strings.TrimSpace(*update.ClaimedBy)
	}
	if update.ClaimedAt != nil {
		if update.ClaimedAt.IsZero() {
			video.ClaimedAt = nil
		} else {
			at := update.ClaimedAt.UTC()
			video.ClaimedAt = &at
		}
	}
	if update.DeletedAt != nil {
		if update.DeletedAt.IsZero() {
			video.DeletedAt = nil
		} else {
			at := update.DeletedAt.UTC()
			video.DeletedAt = &at
		}
	}
	if update.PurgeAt != nil {
		if update.PurgeAt.IsZero() {
			video.PurgeAt = nil
		} else {
			at := update.PurgeAt.UTC()
			video.PurgeAt = &at
		}
	}
	if update.DeletedBy != nil {
		video.DeletedBy = strings.TrimSpace(*update.DeletedBy)
	}
}

func (s *MemoryStore) DeleteVideo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.videos[id]; !ok {
		return ErrNotFound
	}
	delete(s.videos, id)
	return nil
}

func (s *MemoryStore) ListVideos(ctx context.Context, bucket string) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.videos {
		if video.Bucket != bucket || video.Deleted() {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID > videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	return videos, nil
}

func (s *MemoryStore) ListDeleted(ctx context.Context, bucket string) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.videos {
		if video.Bucket != bucket || !video.Deleted() {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].DeletedAt.After(*videos[j].DeletedAt)
	})
	return videos, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, groupID string) ([]models.Video, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("version group id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.videos {
		if video.VersionGroupID != groupID {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	if len(videos) == 0 {
		return nil, ErrNotFound
	}
	sortOldestFirst(videos)
	return videos, nil
}

func (s *MemoryStore) ListUnfinished(ctx context.Context) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.videos {
		if video.Deleted() || video.ProcessingState.Terminal() {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortOldestFirst(videos)
	return videos, nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.videos {
		if !video.Deleted() || video.PurgeAt == nil || now.Before(*video.PurgeAt) {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortOldestFirst(videos)
	return videos, nil
}

func (s *MemoryStore) ClaimNextQueued(ctx context.Context, workerID string) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.Video
	for _, video := range s.videos {
		if video.Deleted() || video.ProcessingState != models.ProcessingQueued {
			continue
		}
		candidates = append(candidates, video)
	}
	if len(candidates) == 0 {
		return models.Video{}, false, nil
	}
	sortOldestFirst(candidates)

	claimed := candidates[0]
	now := s.now()
	claimed.ProcessingState = models.ProcessingUploading
	claimed.ProgressPercent = 0
	claimed.ClaimedBy = strings.TrimSpace(workerID)
	claimed.ClaimedAt = &now
	claimed.UpdatedAt = now
	s.videos[claimed.ID] = claimed
	return cloneVideo(claimed), true, nil
}

func (s *MemoryStore) RequeueFailed(ctx context.Context, id string) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.videos[id]
	if !ok || video.Deleted() || video.ProcessingState != models.ProcessingFailed {
		return models.Video{}, false, nil
	}

	video.ProcessingState = models.ProcessingQueued
	video.ProgressPercent = 0
	video.AttemptCount++
	video.LastError = ""
	video.ClaimedBy = ""
	video.ClaimedAt = nil
	video.UpdatedAt = s.now()
	s.videos[video.ID] = video
	return cloneVideo(video), true, nil
}

func (s *MemoryStore) QueuePosition(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.videos[id]
	if !ok {
		return 0, ErrNotFound
	}
	if video.ProcessingState != models.ProcessingQueued {
		return 0, nil
	}
	position := 0
	for _, other := range s.videos {
		if other.ID == video.ID || other.Deleted() {
			continue
		}
		if other.ProcessingState != models.ProcessingQueued {
			continue
		}
		if other.CreatedAt.Before(video.CreatedAt) ||
			(other.CreatedAt.Equal(video.CreatedAt) && other.ID < video.ID) {
			position++
		}
	}
	return position, nil
}

func sortOldestFirst(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
}

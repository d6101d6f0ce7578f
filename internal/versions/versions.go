// Package versions groups an original upload and its replacements into one
// lineage. Every member of a lineage shares a version_group_id and links to
// the version it supersedes through replaces_video_id, forming a
// singly-linked chain back to the first upload.
package versions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"framedeck/internal/models"
	"framedeck/internal/storage"
)

var (
	// ErrCrossBucket rejects a replacement targeting a video in another
	// tenant bucket.
	ErrCrossBucket = errors.New("replaced video belongs to a different bucket")
	// ErrReplacedDeleted rejects a replacement of a soft-deleted video.
	ErrReplacedDeleted = errors.New("replaced video is deleted")
	// ErrVersionCycle rejects a replacement that would close a cycle in the
	// lineage chain.
	ErrVersionCycle = errors.New("replacement would create a version cycle")
)

// Manager mints version groups and answers lineage queries.
type Manager struct {
	store storage.Repository
}

// NewManager constructs a Manager on top of the record store.
func NewManager(store storage.Repository) *Manager {
	return &Manager{store: store}
}

// CreateVersionParams describes a new upload, optionally replacing an
// existing video in the same bucket.
type CreateVersionParams struct {
	Bucket          string
	Filename        string
	ObjectKey       string
	SizeBytes       int64
	UploadedBy      string
	ReplacesVideoID string
}

// CreateVersion creates the video row for an upload. When ReplacesVideoID is
// set the new row joins that video's lineage, minting a group onto the target
// first if it predates version tracking. A fresh upload starts its own group
// keyed by its own id.
func (m *Manager) CreateVersion(ctx context.Context, params CreateVersionParams) (models.Video, error) {
	create := storage.CreateVideoParams{
		Bucket:     params.Bucket,
		Filename:   params.Filename,
		ObjectKey:  params.ObjectKey,
		SizeBytes:  params.SizeBytes,
		UploadedBy: params.UploadedBy,
	}

	replacesID := strings.TrimSpace(params.ReplacesVideoID)
	if replacesID == "" {
		video, err := m.store.CreateVideo(ctx, create)
		if err != nil {
			return models.Video{}, err
		}
		group := video.ID
		return m.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{VersionGroupID: &group})
	}

	replaced, err := m.store.GetVideo(ctx, replacesID)
	if err != nil {
		return models.Video{}, fmt.Errorf("resolve replaced video %s: %w", replacesID, err)
	}
	if replaced.Deleted() {
		return models.Video{}, ErrReplacedDeleted
	}
	if !strings.EqualFold(replaced.Bucket, strings.TrimSpace(params.Bucket)) {
		return models.Video{}, ErrCrossBucket
	}
	if err := m.checkChain(ctx, replaced); err != nil {
		return models.Video{}, err
	}

	group := replaced.VersionGroupID
	if group == "" {
		// The first version of a lineage gets its group back-filled when its
		// first replacement appears.
		group = replaced.ID
		if _, err := m.store.UpdateVideo(ctx, replaced.ID, storage.VideoUpdate{VersionGroupID: &group}); err != nil {
			return models.Video{}, fmt.Errorf("backfill version group: %w", err)
		}
	}

	create.VersionGroupID = group
	create.ReplacesVideoID = &replaced.ID
	return m.store.CreateVideo(ctx, create)
}

// checkChain walks the replacement chain backward from the target and rejects
// any cycle. The chain of a healthy lineage always terminates at a video with
// no replaces_video_id.
func (m *Manager) checkChain(ctx context.Context, from models.Video) error {
	seen := map[string]struct{}{from.ID: {}}
	current := from
	for current.ReplacesVideoID != nil {
		next := *current.ReplacesVideoID
		if _, exists := seen[next]; exists {
			return ErrVersionCycle
		}
		seen[next] = struct{}{}
		video, err := m.store.GetVideo(ctx, next)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// A purged ancestor truncates the chain; that is not a cycle.
				return nil
			}
			return fmt.Errorf("walk version chain: %w", err)
		}
		current = video
	}
	return nil
}

// ListVersions returns all versions in a group, oldest first.
func (m *Manager) ListVersions(ctx context.Context, groupID string) ([]models.Video, error) {
	return m.store.ListVersions(ctx, groupID)
}

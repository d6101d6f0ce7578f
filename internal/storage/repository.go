package storage

import (
	"context"
	"errors"
	"time"

	"framedeck/internal/models"
)

// ErrNotFound is returned when a video id or version group does not resolve
// to a row. Restore past the purge deadline also reports ErrNotFound so
// callers cannot distinguish a purged row from one that never existed.
var ErrNotFound = errors.New("video not found")

// CreateVideoParams carries everything needed to mint a new video row. The
// row always starts in ProcessingQueued with zero progress.
type CreateVideoParams struct {
	Bucket          string
	Filename        string
	ObjectKey       string
	SizeBytes       int64
	UploadedBy      string
	VersionGroupID  string
	ReplacesVideoID *string
}

// VideoUpdate mutates a subset of a video row. Nil fields are left untouched.
// A zero DeletedAt/PurgeAt/ClaimedAt clears the column.
type VideoUpdate struct {
	Status          *models.Status
	ProcessingState *models.ProcessingState
	ProgressPercent *int
	LastError       *string
	AttemptCount    *int
	HLSReady        *bool
	HLSPath         *string
	ObjectKey       *string
	VersionGroupID  *string
	ReplacesVideoID *string
	ClaimedBy       *string
	ClaimedAt       *time.Time
	DeletedAt       *time.Time
	PurgeAt         *time.Time
	DeletedBy       *string
}

// Repository exposes the datastore operations the pipeline, version manager,
// lifecycle manager, and API handlers require. Implementations must make
// ClaimNextQueued atomic: two concurrent callers can never receive the same
// row.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error)
	// DeleteVideo removes the row permanently. Only the purge sweep calls it.
	DeleteVideo(ctx context.Context, id string) error

	// ListVideos returns live (not soft-deleted) videos for a tenant bucket,
	// newest first.
	ListVideos(ctx context.Context, bucket string) ([]models.Video, error)
	// ListDeleted returns soft-deleted, not-yet-purged videos for a bucket,
	// most recently deleted first.
	ListDeleted(ctx context.Context, bucket string) ([]models.Video, error)
	// ListVersions returns every video sharing a version group, oldest first.
	ListVersions(ctx context.Context, groupID string) ([]models.Video, error)
	// ListUnfinished returns live videos in a non-terminal processing state,
	// ordered by creation time. Queue order and membership are reconstructed
	// from this query alone.
	ListUnfinished(ctx context.Context) ([]models.Video, error)
	// ListExpired returns soft-deleted videos whose purge deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]models.Video, error)

	// ClaimNextQueued atomically takes ownership of the oldest queued live
	// video, stamping the worker id and moving it to ProcessingUploading.
	// The boolean is false when no queued row exists.
	ClaimNextQueued(ctx context.Context, workerID string) (models.Video, bool, error)
	// RequeueFailed atomically re-arms a failed live video as queued with a
	// bumped attempt count and cleared error and claim stamps. The boolean is
	// false when the row is not currently failed, so two concurrent callers
	// can never both re-arm the same attempt.
	RequeueFailed(ctx context.Context, id string) (models.Video, bool, error)
	// QueuePosition counts queued videos enqueued before the given one.
	// Position 0 means next in line.
	QueuePosition(ctx context.Context, id string) (int, error)

	Close(ctx context.Context) error
}

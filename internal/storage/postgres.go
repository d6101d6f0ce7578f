package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"framedeck/internal/models"
)

// PostgresConfig tunes the pgx pool backing the Postgres repository.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
}

// PostgresStore is the production Repository implementation. All queue
// membership, worker progress, version lineage, and deletion lifecycle state
// lives in the videos table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pooled connection, applies the schema migration,
// and returns the repository.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const videoColumns = `id, bucket, filename, object_key, size_bytes, status,
	processing_state, progress_percent, last_error, attempt_count,
	hls_ready, hls_path, version_group_id, replaces_video_id, uploaded_by,
	claimed_by, claimed_at, created_at, updated_at, deleted_at, purge_at,
	deleted_by`

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var objectKey, lastError, hlsPath, versionGroup, claimedBy, deletedBy *string
	var replaces *string
	err := row.Scan(
		&v.ID, &v.Bucket, &v.Filename, &objectKey, &v.SizeBytes, &v.Status,
		&v.ProcessingState, &v.ProgressPercent, &lastError, &v.AttemptCount,
		&v.HLSReady, &hlsPath, &versionGroup, &replaces, &v.UploadedBy,
		&claimedBy, &v.ClaimedAt, &v.CreatedAt, &v.UpdatedAt, &v.DeletedAt,
		&v.PurgeAt, &deletedBy,
	)
	if err != nil {
		return models.Video{}, err
	}
	if objectKey != nil {
		v.ObjectKey = *objectKey
	}
	if lastError != nil {
		v.LastError = *lastError
	}
	if hlsPath != nil {
		v.HLSPath = *hlsPath
	}
	if versionGroup != nil {
		v.VersionGroupID = *versionGroup
	}
	if claimedBy != nil {
		v.ClaimedBy = *claimedBy
	}
	if deletedBy != nil {
		v.DeletedBy = *deletedBy
	}
	v.ReplacesVideoID = replaces
	return v, nil
}

func (s *PostgresStore) CreateVideo(ctx context.Context, params CreateVideoParams) (models.Video, error) {
	bucket := strings.TrimSpace(params.Bucket)
	if bucket == "" {
		return models.Video{}, fmt.Errorf("bucket is required")
	}
	filename := strings.TrimSpace(params.Filename)
	if filename == "" {
		return models.Video{}, fmt.Errorf("filename is required")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	var replaces *string
	if params.ReplacesVideoID != nil {
		if trimmed := strings.TrimSpace(*params.ReplacesVideoID); trimmed != "" {
			replaces = &trimmed
		}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO videos (
			id, bucket, filename, object_key, size_bytes, status,
			processing_state, progress_percent, attempt_count, hls_ready,
			version_group_id, replaces_video_id, uploaded_by, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, 0, 0, FALSE,
			NULLIF($8, ''), $9, $10, $11, $11)
		RETURNING `+videoColumns,
		id, bucket, filename, strings.TrimSpace(params.ObjectKey),
		params.SizeBytes, models.StatusDraft, models.ProcessingQueued,
		strings.TrimSpace(params.VersionGroupID), replaces,
		strings.TrimSpace(params.UploadedBy), now,
	)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, fmt.Errorf("create video: %w", err)
	}
	return video, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id string) (models.Video, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("get video: %w", err)
	}
	return video, nil
}

func (s *PostgresStore) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	assignments := make([]string, 0, 16)
	args := make([]any, 0, 16)
	add := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addNullable := func(column string, at *time.Time) {
		if at.IsZero() {
			assignments = append(assignments, column+" = NULL")
			return
		}
		add(column, at.UTC())
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.ProcessingState != nil {
		add("processing_state", *update.ProcessingState)
	}
	if update.ProgressPercent != nil {
		progress := *update.ProgressPercent
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		add("progress_percent", progress)
	}
	if update.LastError != nil {
		add("last_error", nullIfEmpty(*update.LastError))
	}
	if update.AttemptCount != nil {
		add("attempt_count", *update.AttemptCount)
	}
	if update.HLSReady != nil {
		add("hls_ready", *update.HLSReady)
	}
	if update.HLSPath != nil {
		add("hls_path", nullIfEmpty(*update.HLSPath))
	}
	if update.ObjectKey != nil {
		add("object_key", nullIfEmpty(*update.ObjectKey))
	}
	if update.VersionGroupID != nil {
		add("version_group_id", nullIfEmpty(*update.VersionGroupID))
	}
	if update.ReplacesVideoID != nil {
		add("replaces_video_id", nullIfEmpty(*update.ReplacesVideoID))
	}
	if update.ClaimedBy != nil {
		add("claimed_by", nullIfEmpty(*update.ClaimedBy))
	}
	if update.ClaimedAt != nil {
		addNullable("claimed_at", update.ClaimedAt)
	}
	if update.DeletedAt != nil {
		addNullable("deleted_at", update.DeletedAt)
	}
	if update.PurgeAt != nil {
		addNullable("purge_at", update.PurgeAt)
	}
	if update.DeletedBy != nil {
		add("deleted_by", nullIfEmpty(*update.DeletedBy))
	}

	add("updated_at", time.Now().UTC())
	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE videos SET %s WHERE id = $%d RETURNING `+videoColumns,
		strings.Join(assignments, ", "), len(args),
	)
	row := s.pool.QueryRow(ctx, query, args...)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("update video: %w", err)
	}
	return video, nil
}

func nullIfEmpty(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func (s *PostgresStore) DeleteVideo(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) listVideos(ctx context.Context, query string, args ...any) ([]models.Video, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	return videos, nil
}

func (s *PostgresStore) ListVideos(ctx context.Context, bucket string) ([]models.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE bucket = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`, bucket)
}

func (s *PostgresStore) ListDeleted(ctx context.Context, bucket string) ([]models.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE bucket = $1 AND deleted_at IS NOT NULL
		ORDER BY deleted_at DESC`, bucket)
}

func (s *PostgresStore) ListVersions(ctx context.Context, groupID string) ([]models.Video, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, fmt.Errorf("version group id is required")
	}
	videos, err := s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE version_group_id = $1
		ORDER BY created_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, ErrNotFound
	}
	return videos, nil
}

func (s *PostgresStore) ListUnfinished(ctx context.Context) ([]models.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE deleted_at IS NULL AND processing_state NOT IN ($1, $2)
		ORDER BY created_at ASC, id ASC`,
		models.ProcessingReady, models.ProcessingFailed)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]models.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos
		WHERE deleted_at IS NOT NULL AND purge_at IS NOT NULL AND purge_at <= $1
		ORDER BY purge_at ASC`, now.UTC())
}

// ClaimNextQueued is the one place requiring a transactional guard: the
// UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) claim ensures
// two worker processes never own the same row.
func (s *PostgresStore) ClaimNextQueued(ctx context.Context, workerID string) (models.Video, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE videos SET
			processing_state = $1,
			progress_percent = 0,
			claimed_by = $2,
			claimed_at = $3,
			updated_at = $3
		WHERE id IN (
			SELECT id FROM videos
			WHERE processing_state = $4 AND deleted_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+videoColumns,
		models.ProcessingUploading, strings.TrimSpace(workerID),
		time.Now().UTC(), models.ProcessingQueued,
	)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, false, nil
	}
	if err != nil {
		return models.Video{}, false, fmt.Errorf("claim next queued: %w", err)
	}
	return video, true, nil
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, id string) (models.Video, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE videos SET
			processing_state = $1,
			progress_percent = 0,
			attempt_count = attempt_count + 1,
			last_error = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = $2
		WHERE id = $3 AND processing_state = $4 AND deleted_at IS NULL
		RETURNING `+videoColumns,
		models.ProcessingQueued, time.Now().UTC(), id, models.ProcessingFailed,
	)
	video, err := scanVideo(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, false, nil
	}
	if err != nil {
		return models.Video{}, false, fmt.Errorf("requeue failed video: %w", err)
	}
	return video, true, nil
}

func (s *PostgresStore) QueuePosition(ctx context.Context, id string) (int, error) {
	video, err := s.GetVideo(ctx, id)
	if err != nil {
		return 0, err
	}
	if video.ProcessingState != models.ProcessingQueued {
		return 0, nil
	}
	var position int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM videos
		WHERE processing_state = $1 AND deleted_at IS NULL
		AND (created_at < $2 OR (created_at = $2 AND id < $3))`,
		models.ProcessingQueued, video.CreatedAt, video.ID,
	).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}

var _ Repository = (*PostgresStore)(nil)
var _ Repository = (*MemoryStore)(nil)

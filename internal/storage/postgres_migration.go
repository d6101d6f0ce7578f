package storage

import (
	"context"
	"fmt"
)

// migrate applies the videos schema. Statements are idempotent so the store
// can run them unconditionally at startup.
func (s *PostgresStore) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			filename TEXT NOT NULL,
			object_key TEXT,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			processing_state TEXT NOT NULL DEFAULT 'queued',
			progress_percent INT NOT NULL DEFAULT 0,
			last_error TEXT,
			attempt_count INT NOT NULL DEFAULT 0,
			hls_ready BOOLEAN NOT NULL DEFAULT FALSE,
			hls_path TEXT,
			version_group_id TEXT,
			replaces_video_id TEXT,
			uploaded_by TEXT NOT NULL DEFAULT '',
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			purge_at TIMESTAMPTZ,
			deleted_by TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_videos_bucket_live
			ON videos (bucket, created_at DESC) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_videos_queued
			ON videos (created_at ASC) WHERE processing_state = 'queued' AND deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_videos_version_group
			ON videos (version_group_id) WHERE version_group_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_videos_purge
			ON videos (purge_at) WHERE deleted_at IS NOT NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

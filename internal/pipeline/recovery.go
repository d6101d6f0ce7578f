package pipeline

import (
	"context"
	"fmt"
	"time"

	"framedeck/internal/models"
	"framedeck/internal/storage"
)

// Recover runs once at process start, before the worker begins claiming. A
// crash mid-transcode leaves a row stuck in a non-terminal state with no
// worker owning it; this scan re-arms every such row as queued, preserving
// the original enqueue order because the queue is ordered by created_at. It
// reads only durable row state and resets rows to a state they may already
// be in, so running it again after a second crash is safe.
func (p *Pipeline) Recover(ctx context.Context) error {
	unfinished, err := p.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("scan unfinished videos: %w", err)
	}

	recovered := 0
	for _, video := range unfinished {
		if video.ProcessingState == models.ProcessingQueued && video.ClaimedBy == "" {
			continue
		}
		state := models.ProcessingQueued
		progress := 0
		attempts := video.AttemptCount + 1
		empty := ""
		var cleared time.Time
		updated, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{
			ProcessingState: &state,
			ProgressPercent: &progress,
			AttemptCount:    &attempts,
			ClaimedBy:       &empty,
			ClaimedAt:       &cleared,
		})
		if err != nil {
			return fmt.Errorf("re-queue video %s: %w", video.ID, err)
		}
		p.cacheSnapshot(ctx, updated)
		p.logger.Info("recovered stuck video",
			"video_id", video.ID, "previous_state", video.ProcessingState, "attempt", attempts)
		recovered++
	}
	if recovered > 0 {
		p.recorder.JobsRecovered(recovered)
		p.nudge()
	}
	return nil
}

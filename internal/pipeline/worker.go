package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"framedeck/internal/models"
	"framedeck/internal/storage"
	"framedeck/internal/transcode"
)

// tempKeyPrefix is the holding area the upload path writes raw assets into.
// The worker stages them under the video's durable prefix and removes the
// temp object once packaging succeeds.
const tempKeyPrefix = "uploads/"

// Progress allocation per attempt: staging ends at stagedPercent, the rung
// ladder fills up to transcodedPercent, packaging up to packagedPercent, and
// only the ready transition reports 100.
const (
	stagedPercent     = 5
	transcodedPercent = 90
	packagedPercent   = 95
)

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		claimed, ok, err := p.store.ClaimNextQueued(p.ctx, p.workerID)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("claim next queued video", "error", err)
		} else if ok {
			p.process(claimed)
			continue
		}
		p.publishQueueDepth()
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		case <-time.After(p.poll):
		}
	}
}

func (p *Pipeline) publishQueueDepth() {
	unfinished, err := p.store.ListUnfinished(p.ctx)
	if err != nil {
		return
	}
	depth := 0
	for _, video := range unfinished {
		if video.ProcessingState == models.ProcessingQueued {
			depth++
		}
	}
	p.recorder.SetQueueDepth(depth)
}

// process drives one claimed video through the state machine. Failures are
// terminal for the attempt and recorded on the row; they never crash the
// loop. Shutdown cancellation leaves the row as-is for the recovery scan.
func (p *Pipeline) process(video models.Video) {
	logger := p.logger.With("video_id", video.ID, "bucket", video.Bucket, "attempt", video.AttemptCount+1)
	p.recorder.JobStarted()
	started := time.Now()

	err := p.runJob(p.ctx, &video, logger)
	if err == nil {
		p.recorder.JobCompleted(string(models.ProcessingReady))
		p.recorder.ObserveTranscode(time.Since(started))
		logger.Info("video ready", "hls_path", video.HLSPath, "duration", time.Since(started))
		return
	}
	if errors.Is(err, context.Canceled) || p.ctx.Err() != nil {
		logger.Info("transcode abandoned for shutdown, recovery will re-queue")
		return
	}

	failed := models.ProcessingFailed
	message := strings.TrimSpace(err.Error())
	updated, updateErr := p.store.UpdateVideo(context.Background(), video.ID, storage.VideoUpdate{
		ProcessingState: &failed,
		LastError:       &message,
	})
	if updateErr != nil {
		logger.Error("record transcode failure", "error", updateErr, "failure", err)
		return
	}
	p.cacheSnapshot(context.Background(), updated)
	p.recorder.JobCompleted(string(models.ProcessingFailed))
	logger.Error("transcode failed", "error", err)
}

func (p *Pipeline) runJob(ctx context.Context, video *models.Video, logger *slog.Logger) error {
	scratch := filepath.Join(p.scratchDir, video.ID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("prepare scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	tempKey, sourcePath, err := p.stageSource(ctx, video, scratch)
	if err != nil {
		return err
	}
	p.setProgress(ctx, video, stagedPercent)

	if err := p.transition(ctx, video, models.ProcessingTranscoding); err != nil {
		return err
	}
	hlsRoot := filepath.Join(scratch, "hls")
	if err := p.transcodeLadder(ctx, video, sourcePath, hlsRoot); err != nil {
		return err
	}

	if err := p.transition(ctx, video, models.ProcessingPackaging); err != nil {
		return err
	}
	manifestKey, err := p.packageOutputs(ctx, video, hlsRoot)
	if err != nil {
		return err
	}

	ready := models.ProcessingReady
	hlsReady := true
	progress := 100
	empty := ""
	updated, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{
		ProcessingState: &ready,
		ProgressPercent: &progress,
		HLSReady:        &hlsReady,
		HLSPath:         &manifestKey,
		LastError:       &empty,
		ClaimedBy:       &empty,
	})
	if err != nil {
		return fmt.Errorf("finalize video: %w", err)
	}
	*video = updated
	p.cacheSnapshot(ctx, updated)

	// The raw upload now exists as finished segments; drop the temp object to
	// bound storage cost. Failure is logged and left to bucket lifecycle rules.
	if tempKey != "" {
		if err := p.objects.Delete(ctx, tempKey); err != nil {
			logger.Warn("remove temp source object", "key", tempKey, "error", err)
		}
	}
	return nil
}

// stageSource downloads the raw asset for ffmpeg and, when it still lives in
// the temp holding area, copies it under the video's durable prefix. The
// returned tempKey is non-empty only when a temp object remains to clean up.
func (p *Pipeline) stageSource(ctx context.Context, video *models.Video, scratch string) (tempKey, sourcePath string, err error) {
	if strings.TrimSpace(video.ObjectKey) == "" {
		return "", "", fmt.Errorf("video %s has no source object", video.ID)
	}
	sourcePath = filepath.Join(scratch, "source"+filepath.Ext(video.Filename))
	if err := p.objects.Download(ctx, video.ObjectKey, sourcePath); err != nil {
		return "", "", fmt.Errorf("download source: %w", err)
	}
	if !strings.HasPrefix(video.ObjectKey, tempKeyPrefix) {
		return "", sourcePath, nil
	}

	tempKey = video.ObjectKey
	durableKey := video.SourcePrefix() + "source/" + video.Filename
	contentType := mime.TypeByExtension(filepath.Ext(video.Filename))
	if err := p.objects.PutFile(ctx, durableKey, sourcePath, contentType); err != nil {
		return "", "", fmt.Errorf("stage source to durable storage: %w", err)
	}
	updated, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{ObjectKey: &durableKey})
	if err != nil {
		return "", "", fmt.Errorf("record staged source key: %w", err)
	}
	*video = updated
	return tempKey, sourcePath, nil
}

// transcodeLadder runs each rung serially while uploading finished rung
// output concurrently with the next rung's transcode, overlapping I/O with
// CPU. Job-to-job sequencing across the queue stays strictly serial.
func (p *Pipeline) transcodeLadder(ctx context.Context, video *models.Video, sourcePath, hlsRoot string) error {
	total := len(p.ladder)
	uploads, uploadCtx := errgroup.WithContext(ctx)

	for i, rung := range p.ladder {
		rungDir := filepath.Join(hlsRoot, rung.Name)
		completedBefore := i
		_, err := p.transcoder.TranscodeRung(ctx, transcode.Request{
			SourcePath: sourcePath,
			OutputDir:  rungDir,
			Rung:       rung,
		}, func(fraction float64) {
			done := (float64(completedBefore) + fraction) / float64(total)
			percent := stagedPercent + int(done*float64(transcodedPercent-stagedPercent))
			p.setProgress(ctx, video, percent)
		})
		if err != nil {
			_ = uploads.Wait()
			return fmt.Errorf("transcode rung %s: %w", rung.Name, err)
		}
		prefix := video.SourcePrefix() + "hls/" + rung.Name + "/"
		uploads.Go(func() error {
			return p.uploadDir(uploadCtx, rungDir, prefix)
		})
	}
	if err := uploads.Wait(); err != nil {
		return fmt.Errorf("upload rung outputs: %w", err)
	}
	return nil
}

// packageOutputs writes the master playlist and uploads it last, so a
// manifest only ever exists in storage once every rung beneath it is durable.
func (p *Pipeline) packageOutputs(ctx context.Context, video *models.Video, hlsRoot string) (string, error) {
	p.setProgress(ctx, video, packagedPercent)

	masterPath := filepath.Join(hlsRoot, "index.m3u8")
	if err := os.WriteFile(masterPath, []byte(transcode.MasterPlaylist(p.ladder)), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	manifestKey := video.SourcePrefix() + "hls/index.m3u8"
	if err := p.objects.PutFile(ctx, manifestKey, masterPath, "application/vnd.apple.mpegurl"); err != nil {
		return "", fmt.Errorf("upload master playlist: %w", err)
	}
	return manifestKey, nil
}

func (p *Pipeline) uploadDir(ctx context.Context, dir, keyPrefix string) error {
	return filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, current)
		if err != nil {
			return err
		}
		contentType := mime.TypeByExtension(filepath.Ext(current))
		if strings.HasSuffix(current, ".m3u8") {
			contentType = "application/vnd.apple.mpegurl"
		}
		return p.objects.PutFile(ctx, keyPrefix+filepath.ToSlash(rel), current, contentType)
	})
}

// transition persists a processing-state change after checking it against the
// legal transition table, keeping impossible state combinations out of the
// row entirely.
func (p *Pipeline) transition(ctx context.Context, video *models.Video, to models.ProcessingState) error {
	if !models.CanTransition(video.ProcessingState, to) {
		return fmt.Errorf("illegal processing transition %s -> %s for video %s",
			video.ProcessingState, to, video.ID)
	}
	updated, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{ProcessingState: &to})
	if err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	*video = updated
	p.cacheSnapshot(ctx, updated)
	return nil
}

// setProgress persists a progress update only when it advances, so pollers
// always observe a non-decreasing percentage within one attempt. Persistence
// errors are logged and skipped; progress is advisory.
func (p *Pipeline) setProgress(ctx context.Context, video *models.Video, percent int) {
	if percent <= video.ProgressPercent {
		return
	}
	if percent > 100 {
		percent = 100
	}
	updated, err := p.store.UpdateVideo(ctx, video.ID, storage.VideoUpdate{ProgressPercent: &percent})
	if err != nil {
		p.logger.Warn("persist progress", "video_id", video.ID, "percent", percent, "error", err)
		return
	}
	*video = updated
	p.cacheSnapshot(ctx, updated)
}

package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FFmpeg shells out to ffmpeg/ffprobe. ffmpeg is heavily multi-threaded
// internally, which is why the worker funnels the whole queue through a
// single invocation at a time.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	SegmentSecs int
	Logger      *slog.Logger
}

// NewFFmpeg builds an FFmpeg transcoder with default binary names resolved
// from PATH.
func NewFFmpeg(logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", SegmentSecs: 4, Logger: logger}
}

// Probe returns the container duration of the source file.
func (f *FFmpeg) Probe(ctx context.Context, sourcePath string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		sourcePath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w (%s)", sourcePath, err, strings.TrimSpace(stderr.String()))
	}
	raw := strings.TrimSpace(stdout.String())
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration %q: %w", sourcePath, raw, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// TranscodeRung runs one ffmpeg invocation producing a VOD HLS playlist plus
// segments for a single rung. Progress is read from ffmpeg's machine-readable
// -progress stream against the probed source duration.
func (f *FFmpeg) TranscodeRung(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if strings.TrimSpace(req.SourcePath) == "" {
		return Result{}, fmt.Errorf("source path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return Result{}, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare output dir: %w", err)
	}

	duration, err := f.Probe(ctx, req.SourcePath)
	if err != nil {
		return Result{}, err
	}

	playlist := filepath.Join(req.OutputDir, "index.m3u8")
	segmentSecs := f.SegmentSecs
	if segmentSecs <= 0 {
		segmentSecs = 4
	}
	args := []string{
		"-y",
		"-i", req.SourcePath,
		"-vf", fmt.Sprintf("scale=%d:%d", req.Rung.Width, req.Rung.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", fmt.Sprintf("%dk", req.Rung.Bitrate),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSecs),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, "segment_%05d.ts"),
		"-progress", "pipe:1",
		"-nostats",
		playlist,
	}

	cmd := exec.CommandContext(ctx, f.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found || key != "out_time_us" {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || us < 0 {
			continue
		}
		if progress != nil && duration > 0 {
			fraction := float64(us) / float64(duration.Microseconds())
			if fraction > 1 {
				fraction = 1
			}
			progress(fraction)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			// Shutdown cancellation: the job stays recoverable, not failed.
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("ffmpeg %s rung %s: %w (%s)",
			filepath.Base(req.SourcePath), req.Rung.Name, err, lastLine(stderr.String()))
	}
	if _, err := os.Stat(playlist); err != nil {
		return Result{}, fmt.Errorf("ffmpeg rung %s produced no playlist: %w", req.Rung.Name, err)
	}
	if progress != nil {
		progress(1)
	}
	f.Logger.Debug("rung transcoded", "rung", req.Rung.Name, "playlist", playlist)
	return Result{PlaylistPath: playlist}, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ Transcoder = (*FFmpeg)(nil)

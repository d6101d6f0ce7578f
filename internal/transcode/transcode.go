// Package transcode drives the external ffmpeg process that converts a source
// asset into an HLS quality ladder. The worker invokes it one rung at a time
// so rung completion maps directly onto job progress.
package transcode

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Rung is one target resolution/bitrate in the ladder.
type Rung struct {
	Name    string `json:"name" yaml:"name"`
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
	Bitrate int    `json:"bitrate" yaml:"bitrate"` // kbit/s
}

// DefaultLadder is used when no ladder is configured.
func DefaultLadder() []Rung {
	return []Rung{
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800},
	}
}

// Request describes a single rung transcode. OutputDir receives the rung
// playlist (index.m3u8) and its segments.
type Request struct {
	SourcePath string
	OutputDir  string
	Rung       Rung
}

// Result reports where the rung playlist landed.
type Result struct {
	PlaylistPath string
}

// ProgressFunc receives the fraction [0,1] of the rung completed so far.
// Implementations must tolerate out-of-order or repeated values.
type ProgressFunc func(fraction float64)

// Transcoder produces one HLS rendition per invocation. A nonzero process
// exit or malformed output is terminal for the attempt; the caller does not
// retry.
type Transcoder interface {
	Probe(ctx context.Context, sourcePath string) (time.Duration, error)
	TranscodeRung(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// MasterPlaylist renders the top-level manifest referencing each rung
// playlist by its relative directory name.
func MasterPlaylist(rungs []Rung) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, rung := range rungs {
		bandwidth := rung.Bitrate * 1000
		if bandwidth <= 0 {
			bandwidth = 1000000
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, rung.Width, rung.Height)
		fmt.Fprintf(&b, "%s/index.m3u8\n", rung.Name)
	}
	return b.String()
}

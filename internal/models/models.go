package models

import (
	"fmt"
	"strings"
	"time"
)

// ProcessingState tracks a video through the transcoding pipeline. It is
// orthogonal to the review workflow Status: a video can be approved while
// still transcoding, and a failed transcode does not reject the video.
type ProcessingState string

const (
	ProcessingQueued      ProcessingState = "queued"
	ProcessingUploading   ProcessingState = "uploading"
	ProcessingTranscoding ProcessingState = "transcoding"
	ProcessingPackaging   ProcessingState = "packaging"
	ProcessingReady       ProcessingState = "ready"
	ProcessingFailed      ProcessingState = "failed"
)

// Terminal reports whether the state is an end state for an attempt. Only
// terminal videos may be soft-deleted.
func (s ProcessingState) Terminal() bool {
	return s == ProcessingReady || s == ProcessingFailed
}

// Active reports whether the worker currently owns the video. At most one
// video system-wide may be active at any instant.
func (s ProcessingState) Active() bool {
	switch s {
	case ProcessingUploading, ProcessingTranscoding, ProcessingPackaging:
		return true
	}
	return false
}

// Valid reports whether the value is a member of the state vocabulary.
func (s ProcessingState) Valid() bool {
	switch s {
	case ProcessingQueued, ProcessingUploading, ProcessingTranscoding,
		ProcessingPackaging, ProcessingReady, ProcessingFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from one processing state to another is
// legal. Failed is reachable from every non-ready state; queued is reachable
// from any non-terminal state so the recovery scan can re-arm stuck rows.
func CanTransition(from, to ProcessingState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch to {
	case ProcessingQueued:
		return !from.Terminal()
	case ProcessingUploading:
		return from == ProcessingQueued
	case ProcessingTranscoding:
		return from == ProcessingUploading
	case ProcessingPackaging:
		return from == ProcessingTranscoding
	case ProcessingReady:
		return from == ProcessingPackaging
	case ProcessingFailed:
		return from != ProcessingReady
	}
	return false
}

// Status is the review-workflow vocabulary carried on a video. The pipeline
// never writes it; the surrounding platform does.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPending       Status = "pending"
	StatusUnderReview   Status = "under_review"
	StatusApproved      Status = "approved"
	StatusChangesNeeded Status = "changes_needed"
	StatusRejected      Status = "rejected"
	StatusPosted        Status = "posted"
)

// Valid reports whether the value is part of the workflow vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusUnderReview, StatusApproved,
		StatusChangesNeeded, StatusRejected, StatusPosted:
		return true
	}
	return false
}

// ParseStatus normalizes and validates a workflow status string.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", value)
	}
	return s, nil
}

// Video is one uploaded asset or version. The row doubles as the durable
// representation of queue membership, worker progress, version lineage, and
// the deletion lifecycle; there is no separate job table to keep in sync.
type Video struct {
	ID              string          `json:"id"`
	Bucket          string          `json:"bucket"`
	Filename        string          `json:"filename"`
	ObjectKey       string          `json:"objectKey,omitempty"`
	SizeBytes       int64           `json:"sizeBytes"`
	Status          Status          `json:"status"`
	ProcessingState ProcessingState `json:"processingState"`
	ProgressPercent int             `json:"progressPercent"`
	LastError       string          `json:"lastError,omitempty"`
	AttemptCount    int             `json:"attemptCount"`
	HLSReady        bool            `json:"hlsReady"`
	HLSPath         string          `json:"hlsPath,omitempty"`
	VersionGroupID  string          `json:"versionGroupId,omitempty"`
	ReplacesVideoID *string         `json:"replacesVideoId,omitempty"`
	UploadedBy      string          `json:"uploadedBy"`
	ClaimedBy       string          `json:"claimedBy,omitempty"`
	ClaimedAt       *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
	PurgeAt         *time.Time      `json:"purgeAt,omitempty"`
	DeletedBy       string          `json:"deletedBy,omitempty"`
}

// Deleted reports whether the video has been soft-deleted. Deleted videos are
// frozen: no processing transition may touch them until restored or purged.
func (v Video) Deleted() bool {
	return v.DeletedAt != nil
}

// SourcePrefix is the durable storage prefix holding every object that
// belongs to the video (staged source and HLS output). Purge deletes the
// whole prefix.
func (v Video) SourcePrefix() string {
	return "videos/" + v.ID + "/"
}

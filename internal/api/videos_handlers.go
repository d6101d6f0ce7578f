package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"framedeck/internal/models"
	"framedeck/internal/pipeline"
	"framedeck/internal/storage"
	"framedeck/internal/versions"
)

type videoResponse struct {
	ID              string  `json:"id"`
	Bucket          string  `json:"bucket"`
	Filename        string  `json:"filename"`
	SizeBytes       int64   `json:"sizeBytes"`
	Status          string  `json:"status"`
	ProcessingState string  `json:"processingState"`
	ProgressPercent int     `json:"progressPercent"`
	LastError       string  `json:"lastError,omitempty"`
	AttemptCount    int     `json:"attemptCount"`
	HLSReady        bool    `json:"hlsReady"`
	HLSPath         string  `json:"hlsPath,omitempty"`
	VersionGroupID  string  `json:"versionGroupId,omitempty"`
	ReplacesVideoID *string `json:"replacesVideoId,omitempty"`
	UploadedBy      string  `json:"uploadedBy,omitempty"`
	CreatedAt       string  `json:"createdAt"`
	UpdatedAt       string  `json:"updatedAt"`
	DeletedAt       *string `json:"deletedAt,omitempty"`
	PurgeAt         *string `json:"purgeAt,omitempty"`
	DeletedBy       string  `json:"deletedBy,omitempty"`
}

type createVideoRequest struct {
	Bucket          string `json:"bucket"`
	Filename        string `json:"filename"`
	ObjectKey       string `json:"objectKey"`
	SizeBytes       int64  `json:"sizeBytes"`
	UploadedBy      string `json:"uploadedBy"`
	ReplacesVideoID string `json:"replacesVideoId"`
}

type createVideoResponse struct {
	VideoID         string `json:"videoId"`
	VersionGroupID  string `json:"versionGroupId"`
	ProcessingState string `json:"processingState"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:              video.ID,
		Bucket:          video.Bucket,
		Filename:        video.Filename,
		SizeBytes:       video.SizeBytes,
		Status:          string(video.Status),
		ProcessingState: string(video.ProcessingState),
		ProgressPercent: video.ProgressPercent,
		LastError:       video.LastError,
		AttemptCount:    video.AttemptCount,
		HLSReady:        video.HLSReady,
		HLSPath:         video.HLSPath,
		VersionGroupID:  video.VersionGroupID,
		UploadedBy:      video.UploadedBy,
		CreatedAt:       video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       video.UpdatedAt.Format(time.RFC3339Nano),
		DeletedBy:       video.DeletedBy,
	}
	if video.ReplacesVideoID != nil {
		id := *video.ReplacesVideoID
		resp.ReplacesVideoID = &id
	}
	if video.DeletedAt != nil {
		deleted := video.DeletedAt.Format(time.RFC3339Nano)
		resp.DeletedAt = &deleted
	}
	if video.PurgeAt != nil {
		purge := video.PurgeAt.Format(time.RFC3339Nano)
		resp.PurgeAt = &purge
	}
	return resp
}

// Videos handles the collection endpoint: list per bucket, or register and
// enqueue a new upload.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listVideos(w, r)
	case http.MethodPost:
		h.createVideo(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) listVideos(w http.ResponseWriter, r *http.Request) {
	bucket := strings.TrimSpace(r.URL.Query().Get("bucket"))
	if bucket == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("bucket is required"))
		return
	}
	videos, err := h.Store.ListVideos(r.Context(), bucket)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoResponse(video))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) createVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Bucket) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("bucket is required"))
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("filename is required"))
		return
	}
	if strings.TrimSpace(req.ObjectKey) == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("objectKey is required"))
		return
	}

	video, err := h.Versions.CreateVersion(r.Context(), versions.CreateVersionParams{
		Bucket:          strings.TrimSpace(req.Bucket),
		Filename:        strings.TrimSpace(req.Filename),
		ObjectKey:       strings.TrimSpace(req.ObjectKey),
		SizeBytes:       req.SizeBytes,
		UploadedBy:      strings.TrimSpace(req.UploadedBy),
		ReplacesVideoID: req.ReplacesVideoID,
	})
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	if err := h.Pipeline.Enqueue(r.Context(), video.ID); err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	// 202: the row exists and is queued, the transcode itself runs later.
	writeJSON(w, http.StatusAccepted, createVideoResponse{
		VideoID:         video.ID,
		VersionGroupID:  video.VersionGroupID,
		ProcessingState: string(models.ProcessingQueued),
	})
}

// VideoByID routes /api/videos/{id} and its subresources. The reserved word
// "deleted" lists soft-deleted videos instead of addressing one.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(path.Clean(r.URL.Path), "/api/videos/")
	if rest == "" || rest == "." {
		WriteError(w, http.StatusNotFound, fmt.Errorf("video id missing"))
		return
	}
	parts := strings.Split(rest, "/")
	videoID := strings.TrimSpace(parts[0])

	if videoID == "deleted" && len(parts) == 1 {
		h.listDeletedVideos(w, r)
		return
	}

	if len(parts) > 1 {
		switch parts[1] {
		case "status":
			h.videoStatus(w, r, videoID)
		case "restore":
			h.restoreVideo(w, r, videoID)
		default:
			WriteError(w, http.StatusNotFound, fmt.Errorf("unknown video resource %q", parts[1]))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		video, err := h.Store.GetVideo(r.Context(), videoID)
		if err != nil {
			WriteError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(video))
	case http.MethodDelete:
		h.deleteVideo(w, r, videoID)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) videoStatus(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	status, err := h.Pipeline.Status(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, pipeline.ErrVideoDeleted) {
			WriteError(w, http.StatusNotFound, storage.ErrNotFound)
			return
		}
		WriteError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if err := h.Lifecycle.SoftDelete(r.Context(), videoID, actor); err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restoreVideo(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if err := h.Lifecycle.Restore(r.Context(), videoID); err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	video, err := h.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoResponse(video))
}

func (h *Handler) listDeletedVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	bucket := strings.TrimSpace(r.URL.Query().Get("bucket"))
	if bucket == "" {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("bucket is required"))
		return
	}
	videos, err := h.Lifecycle.ListDeleted(r.Context(), bucket)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoResponse(video))
	}
	writeJSON(w, http.StatusOK, response)
}

// VersionGroupByID lists every version in a lineage, oldest first.
func (h *Handler) VersionGroupByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	groupID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/version-groups/"))
	if groupID == "" || strings.Contains(groupID, "/") {
		WriteError(w, http.StatusNotFound, fmt.Errorf("version group id missing"))
		return
	}
	videos, err := h.Versions.ListVersions(r.Context(), groupID)
	if err != nil {
		WriteError(w, statusForError(err), err)
		return
	}
	if len(videos) == 0 {
		WriteError(w, http.StatusNotFound, fmt.Errorf("version group %s not found", groupID))
		return
	}
	response := make([]videoResponse, 0, len(videos))
	for _, video := range videos {
		response = append(response, newVideoResponse(video))
	}
	writeJSON(w, http.StatusOK, response)
}

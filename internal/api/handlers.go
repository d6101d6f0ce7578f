package api

import (
	"context"
	"errors"
	"net/http"

	"framedeck/internal/lifecycle"
	"framedeck/internal/pipeline"
	"framedeck/internal/storage"
	"framedeck/internal/versions"
)

type Handler struct {
	Store     storage.Repository
	Pipeline  *pipeline.Pipeline
	Versions  *versions.Manager
	Lifecycle *lifecycle.Manager
}

func NewHandler(store storage.Repository, pipe *pipeline.Pipeline, vers *versions.Manager, life *lifecycle.Manager) *Handler {
	return &Handler{Store: store, Pipeline: pipe, Versions: vers, Lifecycle: life}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 1)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	components, overallStatus, statusCode := h.componentHealth(r.Context())
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overallStatus,
		"components": components,
	})
}

// statusForError maps domain sentinel errors onto HTTP status codes. Unknown
// errors are treated as internal.
func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotTerminal),
		errors.Is(err, lifecycle.ErrAlreadyDeleted),
		errors.Is(err, pipeline.ErrVideoDeleted),
		errors.Is(err, versions.ErrReplacedDeleted),
		errors.Is(err, versions.ErrVersionCycle):
		return http.StatusConflict
	case errors.Is(err, versions.ErrCrossBucket):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

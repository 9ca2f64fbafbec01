// Package api exposes the job controller and the output file browser over HTTP.
package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cy0x6789/LandingPDFSnap/internal/config"
	"github.com/cy0x6789/LandingPDFSnap/internal/controller"
	"github.com/cy0x6789/LandingPDFSnap/internal/files"
	"github.com/cy0x6789/LandingPDFSnap/internal/job"
	"github.com/cy0x6789/LandingPDFSnap/internal/metrics"
)

//go:embed static/index.html
var frontendHTML []byte

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	ctrl    *controller.Controller
	cfg     *config.Config
	hub     *Hub
	metrics *metrics.Metrics
}

// NewHandler constructs a Handler. hub and m may be nil, which disables the
// WebSocket feed and the /metrics endpoint respectively.
func NewHandler(ctrl *controller.Controller, cfg *config.Config, hub *Hub, m *metrics.Metrics) *Handler {
	return &Handler{ctrl: ctrl, cfg: cfg, hub: hub, metrics: m}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.ServeFrontend)
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/files", h.JobFiles)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/files", h.BrowseFiles)
	mux.HandleFunc("DELETE /api/v1/files", h.DeleteFile)
	mux.HandleFunc("GET /api/v1/files/view", h.ViewFile)
	mux.HandleFunc("GET /api/v1/files/download", h.DownloadFile)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	if h.hub != nil {
		mux.HandleFunc("GET /api/v1/ws", h.hub.ServeWS)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
}

// ServeFrontend serves the embedded submission page.
func (h *Handler) ServeFrontend(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(frontendHTML) //nolint:errcheck
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Output must be reachable through the file endpoints.
	if !controller.IsUnsetOutput(req.OutputPath) {
		p, err := files.Resolve(h.cfg.BrowseRoot, req.OutputPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, "outputPath must be inside the browse root")
			return
		}
		req.OutputPath = p
	}

	j, err := h.ctrl.Submit(r.Context(), req)
	if errors.Is(err, controller.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "queue full, try again later")
		return
	}
	if err != nil {
		slog.Error("submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	jobs, total, err := h.ctrl.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204.
// Jobs that are still pending or processing must be cancelled first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	err := h.ctrl.Delete(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, controller.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, controller.ErrActive):
		writeError(w, http.StatusConflict, "job is still active, cancel it first")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to delete job")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
// It responds {"cancelled": true} with 200, or {"cancelled": false} with 409
// when the job had already finished.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.lookup(w, r); !ok {
		return
	}

	cancelled, err := h.ctrl.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("cancel job", "job_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	status := http.StatusOK
	if !cancelled {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]bool{"cancelled": cancelled})
}

// JobFiles handles GET /api/v1/jobs/{id}/files and lists the PDFs in the
// job's output directory.
func (h *Handler) JobFiles(w http.ResponseWriter, r *http.Request) {
	j, ok := h.lookup(w, r)
	if !ok {
		return
	}

	list, err := files.ListPDFs(j.OutputPath)
	if err != nil {
		writeFileError(w, err)
		return
	}
	// A default output dir configured outside the root cannot be served.
	browsable := files.InRoot(h.cfg.BrowseRoot, j.OutputPath)
	if !browsable {
		for i := range list {
			list[i].ViewURL, list[i].DownloadURL = "", ""
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":      j.ID,
		"outputPath": j.OutputPath,
		"browsable":  browsable,
		"files":      list,
	})
}

// Health handles GET /api/v1/health and responds 200.
// pollIntervalMs tells pollers how often to refresh job status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"activeJobs":     h.ctrl.Active(),
		"pollIntervalMs": h.cfg.PollInterval.Milliseconds(),
	}
	if h.hub != nil {
		resp["wsClients"] = h.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup loads the job named by the {id} path value, writing 404/500 itself.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	j, err := h.ctrl.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return j, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

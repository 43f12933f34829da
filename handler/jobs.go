package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
	"github.com/tasklineio/jobrunner-http-service/common/utils"
	"github.com/tasklineio/jobrunner-http-service/pipelines/fileproc"
	"github.com/tasklineio/jobrunner-http-service/pipelines/playlist"
	"github.com/tasklineio/jobrunner-http-service/pipelines/scrape"
)

type JobsHandler struct {
	router   *chi.Mux
	cfg      config.Config
	registry *job.Registry
	guard    *job.RunGuard
	store    storage.StorageService
}

func NewJobsHandler(cfg config.Config, registry *job.Registry, guard *job.RunGuard, store storage.StorageService) *JobsHandler {
	h := &JobsHandler{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		store:    store,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleListJobs)
	r.Post("/{kind}", h.handleCreateJob)
	r.Get("/{jobID}", h.handleGetJob)
	r.Post("/{jobID}/cancel", h.handleCancelJob)
	r.Delete("/{jobID}", h.handleRemoveJob)

	h.router = r
	return h
}

func (h *JobsHandler) Router() *chi.Mux {
	return h.router
}

type createJobRequest struct {
	Input          json.RawMessage `json:"input"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	DedupKey       string          `json:"dedup_key,omitempty"`
}

type cancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *JobsHandler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	kind, err := job.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TimeoutSeconds < 0 {
		utils.WriteError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	body, err := h.buildBody(kind, req.Input)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	rec, err := job.NewRecord(kind, body, h.registry.Emitter(), h.cfg.Jobs, timeout)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.guard.Acquire(r.Context(), req.DedupKey, rec.ID()); err != nil {
		if job.CodeOf(err) == job.CodeValidation {
			utils.WriteError(w, http.StatusConflict, err.Error())
		} else {
			utils.WriteError(w, http.StatusInternalServerError, "failed to acquire run guard")
		}
		return
	}
	if req.DedupKey != "" {
		dedupKey := req.DedupKey
		jobID := rec.ID()
		rec.OnTerminal(func(job.Snapshot) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.guard.Release(ctx, dedupKey, jobID)
		})
	}

	if err := h.registry.Add(rec); err != nil {
		h.guard.Release(r.Context(), req.DedupKey, rec.ID())
		utils.WriteError(w, http.StatusConflict, err.Error())
		return
	}

	// The job outlives the request, so it runs on the background context.
	if err := rec.Start(context.Background()); err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("jobID", rec.ID()).Str("kind", string(kind)).Msg("job accepted")
	utils.WriteJSON(w, http.StatusAccepted, rec.Status())
}

// buildBody decodes the kind-specific input and constructs its pipeline.
// Every validation failure surfaces here, before a record exists.
func (h *JobsHandler) buildBody(kind job.Kind, input json.RawMessage) (job.Body, error) {
	if len(input) == 0 {
		return nil, job.NewValidationError("input is required")
	}

	switch kind {
	case job.KindFileProcessing:
		var in fileproc.Input
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, job.NewValidationError("invalid file_processing input: %v", err)
		}
		return fileproc.New(in, h.store)
	case job.KindPlaylistDownload:
		var in playlist.Input
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, job.NewValidationError("invalid playlist_download input: %v", err)
		}
		return playlist.New(in, h.store, nil)
	case job.KindScrapeExtract:
		var in scrape.Input
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, job.NewValidationError("invalid scrape_extract input: %v", err)
		}
		return scrape.New(in, h.store, nil)
	}
	return nil, job.NewValidationError("unknown job kind %q", kind)
}

func (h *JobsHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 10
	}

	snaps := h.registry.List()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := snaps[:0]
		for _, s := range snaps {
			if string(s.State) == state {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered
	}

	total := int64(len(snaps))
	start := (page - 1) * limit
	if start > len(snaps) {
		start = len(snaps)
	}
	end := start + limit
	if end > len(snaps) {
		end = len(snaps)
	}

	utils.WritePagination(w, http.StatusOK, snaps[start:end], page, limit, total)
}

func (h *JobsHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rec, ok := h.registry.Get(jobID)
	if !ok {
		utils.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rec.Status())
}

func (h *JobsHandler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rec, ok := h.registry.Get(jobID)
	if !ok {
		utils.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	var req cancelJobRequest
	if r.Body != nil {
		// The body is optional; a decode failure just means no reason given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	cancelled := rec.Cancel(req.Reason)
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": cancelled,
		"job":       rec.Status(),
	})
}

func (h *JobsHandler) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	snap, err := h.registry.Remove(jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			utils.WriteError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, job.ErrNotTerminal):
			utils.WriteError(w, http.StatusConflict, "Job is still running, cancel it first")
		default:
			utils.WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	utils.WriteJSON(w, http.StatusOK, snap)
}

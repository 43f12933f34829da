package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tasklineio/jobrunner-http-service/common/db"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/utils"
)

type HealthHandler struct {
	router   *chi.Mux
	db       *db.DB
	registry *job.Registry
}

func NewHealthHandler(db *db.DB, registry *job.Registry) *HealthHandler {
	h := &HealthHandler{
		db:       db,
		registry: registry,
	}

	r := chi.NewRouter()
	r.Get("/", h.handleHealthCheck)
	r.Get("/database", h.handleDatabaseHealth)

	h.router = r
	return h
}

func (h *HealthHandler) Router() *chi.Mux {
	return h.router
}

func (h *HealthHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "jobrunner-http-service",
		"live_jobs": h.registry.Len(),
	}

	utils.WriteJSON(w, http.StatusOK, response)
}

func (h *HealthHandler) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	if h.db == nil {
		response["status"] = "unhealthy"
		response["error"] = "database not configured"
		utils.WriteJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	if err := h.db.Ping(ctx); err != nil {
		response["status"] = "unhealthy"
		response["error"] = err.Error()
		utils.WriteJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	utils.WriteJSON(w, http.StatusOK, response)
}

package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tasklineio/jobrunner-http-service/common/history"
	"github.com/tasklineio/jobrunner-http-service/common/utils"
)

type HistoryHandler struct {
	router *chi.Mux
	store  *history.Store
}

func NewHistoryHandler(store *history.Store) *HistoryHandler {
	h := &HistoryHandler{store: store}

	r := chi.NewRouter()
	r.Get("/", h.handleListHistory)

	h.router = r
	return h
}

func (h *HistoryHandler) Router() *chi.Mux {
	return h.router
}

func (h *HistoryHandler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 20
	}
	offset := (page - 1) * limit

	entries, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, "Failed to get job history")
		return
	}

	total, err := h.store.Count(r.Context())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, "Failed to count job history")
		return
	}
	utils.WritePagination(w, http.StatusOK, entries, page, limit, total)
}

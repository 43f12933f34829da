package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/db"
	"github.com/tasklineio/jobrunner-http-service/common/history"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
	"github.com/tasklineio/jobrunner-http-service/handler"
	"github.com/tasklineio/jobrunner-http-service/middlewares"
)

type AppHttpServer struct {
	router   *chi.Mux
	cfg      config.Config
	server   *http.Server
	db       *db.DB
	registry *job.Registry
	guard    *job.RunGuard
	history  *history.Store
	storage  storage.StorageService
}

func NewAppHttpServer(cfg config.Config) (*AppHttpServer, error) {
	r := chi.NewRouter()

	// Basic CORS
	// for more ideas, see: https://developer.github.com/v3/#cross-origin-resource-sharing
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-API-KEY"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Set a timeout value on the request context (ctx), that will signal
	// through ctx.Done() that the request has timed out and further
	// processing should be stopped.
	r.Use(middleware.Timeout(2 * time.Minute))

	server := &AppHttpServer{
		router: r,
		cfg:    cfg,
	}
	return server, nil
}

// SetDB sets the database dependency
func (s *AppHttpServer) SetDB(db *db.DB) {
	s.db = db
}

// SetRegistry sets the job registry dependency
func (s *AppHttpServer) SetRegistry(registry *job.Registry) {
	s.registry = registry
}

// SetRunGuard sets the dedup guard dependency
func (s *AppHttpServer) SetRunGuard(guard *job.RunGuard) {
	s.guard = guard
}

// SetHistory sets the job history store dependency
func (s *AppHttpServer) SetHistory(store *history.Store) {
	s.history = store
}

// SetStorage sets the artifact storage dependency
func (s *AppHttpServer) SetStorage(store storage.StorageService) {
	s.storage = store
}

func (s *AppHttpServer) setupRoute() {
	r := s.router

	if s.registry == nil {
		log.Fatal().Msg("job registry dependency not set")
	}
	if s.storage == nil {
		log.Fatal().Msg("artifact storage dependency not set")
	}

	// Public health endpoint (no authentication required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"jobrunner-http-service"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middlewares.ApiKey(s.cfg.Security.BackendApiKey))

		// Handlers
		jobsHandler := handler.NewJobsHandler(s.cfg, s.registry, s.guard, s.storage)
		historyHandler := handler.NewHistoryHandler(s.history)
		healthHandler := handler.NewHealthHandler(s.db, s.registry)

		r.Mount("/jobs", jobsHandler.Router())
		r.Mount("/history", historyHandler.Router())
		r.Mount("/health", healthHandler.Router())
	})
}

func (s *AppHttpServer) start() error {
	r := s.router
	cfg := s.cfg
	log.Info().Msg("Starting up server...")

	s.server = &http.Server{
		Addr:         cfg.Listen.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// This starts the server in a goroutine from main
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// stop gracefully shuts down the server
func (s *AppHttpServer) stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

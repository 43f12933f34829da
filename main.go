package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
	"github.com/tasklineio/jobrunner-http-service/common/db"
	"github.com/tasklineio/jobrunner-http-service/common/history"
	"github.com/tasklineio/jobrunner-http-service/common/job"
	"github.com/tasklineio/jobrunner-http-service/common/messaging"
	"github.com/tasklineio/jobrunner-http-service/common/storage"
)

func main() {
	// INITIATE CONFIGURATION
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Error loading .env file, using environment variables")
	}

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()

	// Create a base context with cancel for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// INITIATE DATABASES
	dbConn, err := db.SetupDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup database")
	}
	defer dbConn.Close()

	// INITIATE NATS CLIENT
	natsClient, err := messaging.SetupNatsBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup NATS client")
	}
	if natsClient != nil {
		defer natsClient.Close()
	}

	// INITIATE ARTIFACT STORAGE
	var artifactStore storage.StorageService
	if cfg.GCS.Bucket != "" {
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCS)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup GCS storage")
		}
		artifactStore = gcsStorage
	} else {
		localStorage, err := storage.NewLocalStorage(cfg.Jobs.ArtifactDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup local storage")
		}
		artifactStore = localStorage
		log.Info().Str("dir", cfg.Jobs.ArtifactDir).Msg("Using local artifact storage")
	}

	// INITIATE JOB LIFECYCLE CORE
	var sinks []job.Sink
	if natsClient != nil {
		sinks = append(sinks, messaging.NewNatsSink(natsClient))
	}
	emitter := job.NewEmitter(cfg.Jobs.EmitInterval, sinks...)
	historyStore := history.NewStore(dbConn.Pool)
	if err := historyStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure job history schema")
	}
	registry := job.NewRegistry(emitter, historyStore)
	guard := job.NewRunGuard(dbConn.Redis)

	// INITIATE SERVER
	server, err := NewAppHttpServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create the server")
	}

	// Inject dependencies
	server.SetDB(dbConn)
	server.SetRegistry(registry)
	server.SetRunGuard(guard)
	server.SetHistory(historyStore)
	server.SetStorage(artifactStore)

	// Setup routes
	server.setupRoute()

	// Start server in a goroutine
	go func() {
		if err := server.start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			cancel()
		}
	}()

	log.Info().Str("address", cfg.Listen.Addr()).Msg("Server started successfully")

	// Wait for shutdown signal
	<-shutdown
	log.Info().Msg("Shutdown signal received")

	// Live jobs get a cancellation request so their bodies can unwind before
	// the process exits.
	for _, snap := range registry.List() {
		if rec, ok := registry.Get(snap.ID); ok {
			rec.Cancel("service shutting down")
		}
	}

	// Create a timeout context for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Server gracefully stopped")
}

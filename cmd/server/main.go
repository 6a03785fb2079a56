package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/jpeg-export-proxy/internal/cache"
	"github.com/otcheredev/jpeg-export-proxy/internal/config"
	"github.com/otcheredev/jpeg-export-proxy/internal/database"
	"github.com/otcheredev/jpeg-export-proxy/internal/export"
	"github.com/otcheredev/jpeg-export-proxy/internal/handlers"
	"github.com/otcheredev/jpeg-export-proxy/internal/middleware"
	"github.com/otcheredev/jpeg-export-proxy/internal/pacs"
	"github.com/otcheredev/jpeg-export-proxy/internal/scheduler"
	"github.com/otcheredev/jpeg-export-proxy/internal/store"
	"github.com/otcheredev/jpeg-export-proxy/pkg/dimse"
	"github.com/otcheredev/jpeg-export-proxy/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting JPEG Export Proxy")

	// Ensure the cache directory exists before anything touches it
	if err := os.MkdirAll(cfg.Export.CacheDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Export.CacheDir).Msg("Failed to create cache directory")
	}

	// Bundle index store
	usePostgres := cfg.Store.Type == "postgres"
	var bundleStore store.Store
	if usePostgres {
		dbConfig := database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			LogLevel: cfg.Database.LogLevel,
		}
		if err := database.Connect(dbConfig); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		bundleStore = store.NewGormStore(cfg.Export.BuildTimeout)
		log.Info().Msg("Postgres bundle index initialized")
	} else {
		bundleStore = store.NewMemoryStore()
		log.Info().Msg("In-memory bundle index initialized")
	}
	defer bundleStore.Close()

	// Rebuild the index from whatever bundles survive on disk
	if err := store.Reconcile(context.Background(), bundleStore, cfg.Export.CacheDir, cfg.Export.Retention); err != nil {
		log.Fatal().Err(err).Msg("Failed to reconcile cache directory")
	}

	// Metadata memoization cache
	var metaCache cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			metaCache, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to Redis")
			}
			log.Info().Msg("Redis metadata cache initialized")
		} else {
			metaCache = cache.NewMemoryCache()
			log.Info().Msg("Memory metadata cache initialized")
		}
		defer metaCache.Close()
	}

	// PACS query channel
	pool := dimse.NewConnectionPool(dimse.PoolConfig{
		AssociationConfig: dimse.AssociationConfig{
			Host:       cfg.PACS.Host,
			Port:       cfg.PACS.Port,
			CallingAET: cfg.PACS.CallingAET,
			CalledAET:  cfg.PACS.CalledAET,
			Timeout:    cfg.PACS.Timeout,
		},
		MaxPoolSize: cfg.PACS.MaxPoolSize,
	})
	defer pool.Close()

	// Export pipeline
	resolver := pacs.NewDIMSEResolver(pool, metaCache, cfg.Cache.TTL)
	fetcher := pacs.NewWADOFetcher(cfg.WADO.BaseURL, cfg.WADO.Timeout)
	builder := export.NewBuilder(resolver, fetcher, export.BuilderConfig{
		CacheDir:         cfg.Export.CacheDir,
		MaxRetries:       cfg.WADO.MaxRetries,
		RetryBackoff:     cfg.WADO.RetryBackoff,
		FailureTolerance: cfg.Export.FailureTolerance,
	})
	coordinator := export.NewCoordinator(bundleStore, builder, cfg.Export.BuildTimeout, cfg.Export.Retention)

	// Background loops
	sweeper := scheduler.NewSweeper(bundleStore, cfg.Export.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	precacher := scheduler.NewPrecacher(resolver, coordinator, cfg.Export.PrecacheInterval, cfg.Export.FetchConcurrency)
	if cfg.Export.PrecacheEnabled {
		precacher.Start()
		defer precacher.Stop()
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(pool, usePostgres)
	exportHandler := handlers.NewExportHandler(coordinator, resolver, bundleStore)
	maintenanceHandler := handlers.NewMaintenanceHandler(precacher, sweeper)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Export endpoints
	r.Get("/export/{studyUID}", exportHandler.Export)
	r.Get("/check/{studyUID}/{instanceCount}", exportHandler.Check)

	// Maintenance endpoints
	r.Post("/precache/today", maintenanceHandler.PrecacheToday)
	r.Post("/precache/{date}", maintenanceHandler.PrecacheDate)
	r.Post("/cleanup", maintenanceHandler.Cleanup)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

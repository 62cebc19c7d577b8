// Package main is the entry point for the PatchMap server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patchmap/server/internal/api"
	"github.com/patchmap/server/internal/cache"
	"github.com/patchmap/server/internal/config"
	"github.com/patchmap/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting PatchMap server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	if len(datasetIDs) == 0 {
		log.Fatal("No datasets configured; add at least one entry under data.datasets")
	}
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Loading %d dataset pair(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		pair, err := service.LoadPair(datasetID, ds, cfg.Transfer)
		if err != nil {
			log.Fatalf("Failed to load dataset %q: %v", datasetID, err)
		}

		summary := pair.Summary()
		log.Printf("  [%s] reference: %d cells x %d genes (%d labels), query: %d cells x %d genes",
			datasetID, summary.ReferenceCells, summary.ReferenceGenes, len(summary.Labels),
			summary.QueryCells, summary.QueryGenes)
		if summary.HasCoords {
			log.Printf("  [%s] reference coordinates available for transfer", datasetID)
		}

		registry.Register(datasetID, pair)
	}

	// Initialize job manager for mapping jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Mapping job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up the mapping service as job executor
	mapService := service.NewMapService(registry.Pairs())
	jobManager.Executor = mapService.ExecuteMapJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	cacheManager.Close()
	log.Println("Server stopped")
}

// Package main provides the run orchestration service: run submission,
// status, cancellation and position snapshot ingest.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valuation-lab/internal/api"
	"valuation-lab/internal/config"
	"valuation-lab/internal/orchestrator"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage"
	"valuation-lab/internal/storage/memory"
	"valuation-lab/internal/storage/migrations"
	pgstore "valuation-lab/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[orchestrator] config: %v", err)
		os.Exit(1)
	}

	addr := flag.String("addr", ":8080", "HTTP listen address")
	postgresDSN := flag.String("postgres-dsn", cfg.DatabaseURL, "PostgreSQL connection string")
	hashMod := flag.Int("hash-mod", cfg.HashMod, "Default task partition count per run")
	maxAttempts := flag.Int("max-attempts", cfg.MaxAttempts, "Per-task attempt budget")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	logger := log.New(os.Stdout, "[orchestrator] ", log.LstdFlags)

	if !*useMemory && *postgresDSN == "" {
		logger.Println("--postgres-dsn or DATABASE_URL is required (use --use-memory for in-memory storage)")
		os.Exit(1)
	}
	if *hashMod < 1 {
		logger.Printf("--hash-mod must be >= 1, got %d", *hashMod)
		os.Exit(1)
	}
	if *maxAttempts < 1 {
		logger.Printf("--max-attempts must be >= 1, got %d", *maxAttempts)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		runs      storage.RunStore
		markets   storage.MarketSnapshotStore
		positions storage.PositionSnapshotStore
	)
	if *useMemory {
		runs = memory.NewRunStore()
		markets = memory.NewMarketSnapshotStore()
		positions = memory.NewPositionSnapshotStore()
	} else {
		pool, err := pgstore.NewPool(ctx, *postgresDSN)
		if err != nil {
			logger.Printf("connect postgres: %v", err)
			os.Exit(2)
		}
		defer pool.Close()
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			logger.Printf("migrations: %v", err)
			os.Exit(2)
		}
		runs = pgstore.NewRunStore(pool)
		markets = pgstore.NewMarketSnapshotStore(pool)
		positions = pgstore.NewPositionSnapshotStore(pool)
	}

	orch := orchestrator.New(orchestrator.Options{
		RunStore:          runs,
		MarketSnapshots:   markets,
		PositionSnapshots: positions,
		Scenarios:         scenario.NewEngine(),
		DefaultHashMod:    *hashMod,
		MaxAttempts:       *maxAttempts,
		Verbose:           *verbose,
		Logger:            logger,
	})

	service := api.NewOrchestratorService(api.OrchestratorOptions{
		Orchestrator: orch,
		Runs:         runs,
		Positions:    positions,
		Logger:       logger,
	})
	server := &http.Server{
		Addr:         *addr,
		Handler:      service.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		cancel()
	}()

	logger.Printf("listening on %s (memory=%t hash_mod=%d)", *addr, *useMemory, *hashMod)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("serve: %v", err)
		os.Exit(2)
	}
	logger.Println("shutdown complete")
}

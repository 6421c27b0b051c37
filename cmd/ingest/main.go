// Package main provides the market data snapshot ingest service.
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
	"valuation-lab/internal/storage"
	"valuation-lab/internal/storage/memory"
	"valuation-lab/internal/storage/migrations"
	pgstore "valuation-lab/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[ingest] config: %v", err)
		os.Exit(1)
	}

	addr := flag.String("addr", ":8081", "HTTP listen address")
	postgresDSN := flag.String("postgres-dsn", cfg.DatabaseURL, "PostgreSQL connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	flag.Parse()

	logger := log.New(os.Stdout, "[ingest] ", log.LstdFlags)

	if !*useMemory && *postgresDSN == "" {
		logger.Println("--postgres-dsn or DATABASE_URL is required (use --use-memory for in-memory storage)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshots storage.MarketSnapshotStore
	if *useMemory {
		snapshots = memory.NewMarketSnapshotStore()
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
		snapshots = pgstore.NewMarketSnapshotStore(pool)
	}

	service := api.NewIngestService(api.IngestOptions{
		Snapshots: snapshots,
		Logger:    logger,
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

	logger.Printf("listening on %s (memory=%t)", *addr, *useMemory)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("serve: %v", err)
		os.Exit(2)
	}
	logger.Println("shutdown complete")
}

// Package main provides the valuation worker daemon. Exit codes: 0 normal
// shutdown on signal, 1 configuration error, 2 unrecoverable runtime error.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"valuation-lab/internal/config"
	"valuation-lab/internal/observability"
	"valuation-lab/internal/pricer"
	"valuation-lab/internal/scenario"
	"valuation-lab/internal/storage"
	chstore "valuation-lab/internal/storage/clickhouse"
	"valuation-lab/internal/storage/memory"
	"valuation-lab/internal/storage/migrations"
	pgstore "valuation-lab/internal/storage/postgres"
	"valuation-lab/internal/worker"
)

// workerStores bundles everything the worker loop reads and writes.
type workerStores struct {
	queue     storage.TaskQueue
	runs      storage.RunStore
	markets   storage.MarketSnapshotStore
	positions storage.PositionSnapshotStore
	results   storage.ResultStore
	analytics storage.ResultAnalyticsSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[worker] config: %v", err)
		os.Exit(1)
	}

	postgresDSN := flag.String("postgres-dsn", cfg.DatabaseURL, "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse DSN for the analytics mirror (optional)")
	workerID := flag.String("worker-id", cfg.WorkerID, "Unique worker identity (generated if empty)")
	lease := flag.Duration("lease", cfg.Lease, "Task lease duration")
	idleSleep := flag.Duration("idle-sleep", cfg.IdleSleep, "Pause after an empty claim")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags)

	if !*useMemory && *postgresDSN == "" {
		logger.Println("--postgres-dsn or DATABASE_URL is required (use --use-memory for in-memory storage)")
		os.Exit(1)
	}
	if *lease <= 0 || *idleSleep <= 0 {
		logger.Println("--lease and --idle-sleep must be positive")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := pricer.Bootstrap()
	if err != nil {
		logger.Printf("bootstrap pricers: %v", err)
		os.Exit(2)
	}
	logger.Printf("pricers registered: %v", registry.List())

	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory, logger)
	if err != nil {
		logger.Printf("create stores: %v", err)
		os.Exit(2)
	}
	defer cleanup()

	w := worker.New(worker.Options{
		Queue:             stores.queue,
		Runs:              stores.runs,
		MarketSnapshots:   stores.markets,
		PositionSnapshots: stores.positions,
		Results:           stores.results,
		Analytics:         stores.analytics,
		Registry:          registry,
		Scenarios:         scenario.NewEngine(),
		WorkerID:          *workerID,
		Lease:             *lease,
		IdleSleep:         *idleSleep,
		Verbose:           *verbose,
		Logger:            logger,
	})

	go serveMetrics(*metricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	logger.Printf("worker %s started (lease=%s)", w.WorkerID(), *lease)
	if err := w.Run(ctx); err != nil {
		logger.Printf("worker: %v", err)
		os.Exit(2)
	}
	logger.Println("shutdown complete")
}

// createStores wires either the in-memory twins or the Postgres-backed stores
// plus the optional ClickHouse analytics mirror.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool, logger *log.Logger) (*workerStores, func(), error) {
	if useMemory {
		rs := memory.NewRunStore()
		return &workerStores{
			queue:     memory.NewTaskQueue(rs),
			runs:      rs,
			markets:   memory.NewMarketSnapshotStore(),
			positions: memory.NewPositionSnapshotStore(),
			results:   memory.NewResultStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	stores := &workerStores{
		queue:     pgstore.NewTaskQueue(pool),
		runs:      pgstore.NewRunStore(pool),
		markets:   pgstore.NewMarketSnapshotStore(pool),
		positions: pgstore.NewPositionSnapshotStore(pool),
		results:   pgstore.NewResultStore(pool),
	}
	cleanup := func() { pool.Close() }

	if clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		stores.analytics = chstore.NewResultAnalyticsStore(conn)
		cleanup = func() {
			conn.Close()
			pool.Close()
		}
		logger.Println("analytics mirror enabled")
	}

	return stores, cleanup, nil
}

// serveMetrics exposes /metrics and /healthz for the daemon.
func serveMetrics(addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Printf("metrics server: %v", err)
	}
}

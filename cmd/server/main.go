/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the inventory ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logger (dev or prod encoding per app.env)
  3. Open SQLite store and seed the catalog if configured
  4. Wire the ledger, reconciler, transfer service and aggregator
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config   Path to a config file (optional; env vars and defaults apply)

CONFIGURATION (file keys / APP_* env vars):
  app.env                     "dev" or "prod" (default prod)
  http.addr                   Listen address (default :8080)
  db.path                     SQLite database path (default ./inventory.db)
  ledger.max_retries          Optimistic-concurrency retry budget (default 5)
  ledger.reconcile_tolerance  Max acceptable remaining-quantity drift (default 0)
  catalog.seed_file           Optional JSON file of materials to load at boot

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yardstack/inventory-engine/api"
	"github.com/yardstack/inventory-engine/catalog"
	"github.com/yardstack/inventory-engine/config"
	"github.com/yardstack/inventory-engine/ledger"
	"github.com/yardstack/inventory-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		panic(err)
	}

	log := newLogger(cfg.App.Env)
	defer log.Sync()

	// Store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Catalog seeding is idempotent: Save upserts by material code.
	if cfg.Catalog.SeedFile != "" {
		n, err := catalog.SeedFile(context.Background(), store, cfg.Catalog.SeedFile)
		if err != nil {
			log.Fatal("failed to seed catalog", zap.Error(err))
		}
		log.Info("catalog seeded", zap.Int("materials", n), zap.String("file", cfg.Catalog.SeedFile))
	}

	tolerance, err := decimal.NewFromString(cfg.Ledger.ReconcileTolerance)
	if err != nil {
		log.Fatal("invalid ledger.reconcile_tolerance", zap.Error(err))
	}

	// Domain wiring
	eng := ledger.New(store, store, ledger.WithMaxRetries(cfg.Ledger.MaxRetries))
	reconciler := ledger.NewReconciler(eng, store)
	reconciler.Tolerance = tolerance
	transfers := ledger.NewTransferService(eng, store)
	summaries := ledger.NewAggregator(eng, store, store)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := &api.Handler{
		Ledger:     eng,
		Reconciler: reconciler,
		Transfers:  transfers,
		Summaries:  summaries,
		Catalog:    store,
		Metrics:    api.NewMetrics(reg),
		Log:        log,
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env / environment, flag overrides)
  2. Initialize SQLite store
  3. Wire the ledger, rule services, abuse workflow, and allocator
  4. Apply the seed file when configured
  5. Start the expiry sweeper
  6. Start server with graceful shutdown

CONFIGURATION:
  Environment (see config package): PORT, DB_PATH, SWEEP_INTERVAL,
  LOG_LEVEL, SEED_FILE. The -port and -db flags override the environment.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry sweeper and notifier
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/abuse"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/notify"
	"github.com/warp/loyalty-engine/referral"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Flags override the environment.
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Wire domain services. The ledger resolves tiers and expiry through
	// the rule services, and publishes events through the async notifier.
	ruleSvc := rules.NewService(store)
	tierSvc := rules.NewTierService(store)
	workflow := abuse.NewWorkflow(store)

	notifier := notify.NewAsync(notify.NewLogNotifier(log), log, 256)
	defer notifier.Close()

	ledger := loyalty.NewLedger(store)
	ledger.Tiers = tierSvc
	ledger.Expiry = ruleSvc
	ledger.Notify = notifier

	allocator := referral.NewAllocator(store, ledger)

	// Seed rules, tiers, and the referral program when configured.
	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			log.WithError(err).Fatal("failed to read seed file")
		}
		seed, err := factory.ParseSeed(data)
		if err != nil {
			log.WithError(err).Fatal("failed to parse seed file")
		}
		if err := factory.Apply(context.Background(), seed, ruleSvc, tierSvc, allocator); err != nil {
			log.WithError(err).Fatal("failed to apply seed file")
		}
		log.WithField("file", cfg.SeedFile).Info("seed applied")
	}

	// Background expiry sweep
	sweeper := api.NewExpirySweeper(ledger, log)
	sweeper.CheckInterval = cfg.SweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP layer
	handler := api.NewHandler(ledger, ruleSvc, tierSvc, workflow, allocator, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("addr", server.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}

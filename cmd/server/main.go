/*
main.go - HTTP server entry point

PURPOSE:
  Initializes and starts the transfer ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, .env, LEDGER_* env, flags)
  2. Open the configured store (sqlite, postgres or memory)
  3. Wire the ledger and the audit scheduler
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  See config.RegisterFlags. The common ones:
  -port         HTTP server port (default: 8080)
  -db-driver    sqlite | postgres | memory
  -db           SQLite path or Postgres URL (default: ledger.db)
  -daily-limit  Per-sender daily ceiling (default: 5000)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against Postgres
  ./server -db-driver=postgres -db="postgres://ledger@localhost/ledger"

  # Run in memory on a different port
  ./server -db-driver=memory -port=3000

SEE ALSO:
  - config/config.go: Settings and wiring
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/transfer-ledger/api"
	"github.com/warp/transfer-ledger/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	// Initialize store
	store, err := cfg.OpenStore(context.Background())
	if err != nil {
		logger.Error("Failed to initialize database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	l := cfg.NewLedger(store, logger)

	// Background audit
	scheduler := api.NewAuditScheduler(l, logger)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Enabled = cfg.AuditInterval > 0
	scheduler.Start()

	// Initialize handler
	handler := api.NewHandler(l, logger)
	handler.Currency = cfg.Currency
	handler.Location = cfg.Location
	handler.Scheduler = scheduler

	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			"addr", fmt.Sprintf("http://localhost:%d/api", cfg.Port),
			"driver", cfg.DBDriver,
			"daily_limit", cfg.DailyLimit.StringFixed(2),
			"timezone", cfg.Location.String(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/morf-project/morf/internal/api/rest"
	"github.com/morf-project/morf/internal/shared/config"
	"github.com/morf-project/morf/internal/shared/logging"
	"github.com/morf-project/morf/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadStatus(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Logging.Level))

	ledger, err := storage.NewSQLiteLedger(cfg.Server.LedgerPath)
	if err != nil {
		logger.Fatal("Failed to open ledger", "path", cfg.Server.LedgerPath, "error", err)
	}
	defer ledger.Close()

	server := rest.NewServer(cfg.REST, ledger, logger)

	go func() {
		logger.Info("Starting status API server", "addr", cfg.REST.Addr, "ledger", cfg.Server.LedgerPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}

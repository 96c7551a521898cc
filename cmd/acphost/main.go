// Command acphost runs the ACP host: it launches configured coding agents as
// subprocesses and exposes them over HTTP and a WebSocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/registry"
	"github.com/kandev/acphost/internal/api"
	"github.com/kandev/acphost/internal/common/config"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/persistence"
	"github.com/kandev/acphost/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

var configPath = flag.String("config", "", "directory containing config.yaml")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "acphost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	store, closeStore, err := persistence.Provide(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("store cleanup failed", zap.Error(err))
		}
	}()

	reg, disposeAgents, err := registry.Provide(cfg, provided.Bus, store, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(reg, provided.Bus, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("acphost listening",
			zap.String("addr", server.Addr),
			zap.Int("agents", len(cfg.Agents)),
			zap.String("database", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := disposeAgents(); err != nil {
		log.Error("agent teardown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("acphost stopped")
	return nil
}

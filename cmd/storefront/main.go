package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nn-hair/storefront/internal/di"
	"github.com/nn-hair/storefront/internal/platform/config"
	"github.com/nn-hair/storefront/internal/platform/observability"
	"github.com/nn-hair/storefront/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("storefront")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	build := services.BuildInfo{
		Version:     cfg.Build.Version,
		CommitSHA:   cfg.Build.CommitSHA,
		Environment: cfg.Environment,
		StartedAt:   startedAt,
	}

	container, err := di.NewContainer(ctx, cfg, logger, build)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	if err := container.Start(runCtx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront listening",
			zap.String("store", cfg.Store.Driver),
			zap.Bool("supabase", cfg.Supabase.Enabled()),
			zap.String("version", build.Version),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	stopRun()
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container close failed", zap.Error(err))
	}
}

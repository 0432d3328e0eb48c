// Package main is the entry point for the cover-service HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleveque/cover-service/internal/app"
	"github.com/fleveque/cover-service/internal/config"
	"github.com/fleveque/cover-service/internal/server"
)

func main() {
	// run() is separate so deferred cleanup executes before os.Exit.
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv(config.ConfigPathEnv))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// JSON logs in production, human-readable in development.
	var logger *zap.Logger
	if cfg.Log.Level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	// Sync commonly fails on stdout/stderr; ignore it.
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{}, logger)
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	defer a.Close()

	srv := server.New(cfg, server.Deps{
		Covers:    a.Service,
		Stats:     a.Repo,
		Storage:   a.Gateway,
		ObjectDir: a.ObjectDir,
	}, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Block until we receive a signal or the server errors out.
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			return err
		}
	}

	// Give in-flight requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

// chatd is the chat backend daemon: the websocket endpoint, the REST
// API, and SQLite persistence behind one HTTP listener.
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

	"github.com/spf13/pflag"

	"github.com/jobdeck/chat/lib/clock"
	"github.com/jobdeck/chat/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenOverride string

	flagSet := pflag.NewFlagSet("chatd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the config file (or JOBDECK_CHAT_CONFIG)")
	flagSet.StringVar(&listenOverride, "listen", "", "override the configured listen address")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if configPath == "" {
		configPath = os.Getenv("JOBDECK_CHAT_CONFIG")
	}
	if configPath == "" {
		return fmt.Errorf("--config or JOBDECK_CHAT_CONFIG is required")
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := server.OpenStore(server.StoreConfig{
		Path:     cfg.Database,
		PoolSize: cfg.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	chatServer, err := server.NewServer(server.Config{
		Store:  store,
		Auth:   cfg.Authenticator(),
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer chatServer.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           chatServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() {
		logger.Info("chatd listening", "addr", cfg.Listen, "database", cfg.Database)
		serveDone <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveDone:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return nil
}

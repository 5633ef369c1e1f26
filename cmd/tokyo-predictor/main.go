// tokyo-predictor is the multi-tenant roulette analytics server: an
// authenticated request API and websocket stream over per-tenant encrypted
// result stores.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/analytics"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/broker"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/config"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/credentials"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/identity"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/observability"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/sealbox"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/server"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/stream"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

const shutdownDeadline = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	// Startup ordering: keys, credentials, data store, broker, APIs.
	dataKey, err := sealbox.New(sealbox.DeriveKey([]byte(cfg.JWTSecret), "tenant-data"))
	if err != nil {
		logger.Error("data key setup failed", "error", err)
		return 1
	}
	credKey, err := sealbox.New(sealbox.DeriveKey([]byte(cfg.JWTSecret), "credentials"))
	if err != nil {
		logger.Error("credential key setup failed", "error", err)
		return 1
	}

	creds, err := credentials.Open(cfg.DataDir, credKey, cfg.AdminUsername, cfg.AdminPassword, logger)
	if err != nil {
		logger.Error("credential store failed to open", "error", err)
		return 1
	}

	tokens := identity.NewTokenService([]byte(cfg.JWTSecret), cfg.JWTExpiration)
	data := tenantstore.New(cfg.DataDir, dataKey, cfg.EnableEncryption, logger)
	engine := analytics.New(cfg.BatchSize)
	// Cache invalidation runs before any mutation completes.
	data.SetOnMutate(engine.Invalidate)
	events := broker.New(logger)
	// Broadcasts fire inside the store's critical section so subscribers
	// observe result-update messages in append order.
	data.SetOnAppend(func(username string, entry tenantstore.ResultEntry) {
		events.Publish(username, stream.MsgResultUpdate, entry)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "tokyo-predictor",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTelEnabled,
	}, logger)
	if err != nil {
		logger.Error("observability setup failed", "error", err)
		return 1
	}

	hub := stream.NewHub(tokens, data, engine, events, obs, cfg.AutoAnalyze, logger)
	srv := server.New(cfg, creds, tokens, data, engine, events, hub, obs, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful drain incomplete", "error", err)
	}
	data.FlushAll()
	obs.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return 0
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

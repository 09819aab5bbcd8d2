package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/accessgate/internal/config"
	"github.com/CedrosPay/accessgate/internal/httpserver"
	"github.com/CedrosPay/accessgate/pkg/accessgate"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config yaml (env overrides apply either way)")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", *envFile).Msg("accessgate.env_file_unreadable")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("accessgate.config_invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := accessgate.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("accessgate.init_failed")
	}
	appLogger := app.Logger

	app.Start(ctx)
	srv := httpserver.Wrap(cfg, app.Handler())

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("network", cfg.Solana.Network).
			Str("storage", cfg.Storage.Backend).
			Str("catalog", cfg.Catalog.Source).
			Bool("async_verification", cfg.Verification.Enabled).
			Bool("webhooks", cfg.Webhooks.Enabled).
			Msg("accessgate.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("accessgate.shutdown_requested")
	case err := <-serveErr:
		if err != nil {
			appLogger.Error().Err(err).Msg("accessgate.server_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("accessgate.http_shutdown_failed")
	}
	// Workers drain after the listener stops accepting new jobs.
	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("accessgate.close_failed")
		os.Exit(1)
	}
	appLogger.Info().Msg("accessgate.stopped")
}

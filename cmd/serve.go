package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sleepwake/internal/api"
	"sleepwake/internal/clock"
	"sleepwake/internal/config"
	"sleepwake/internal/metrics"
	"sleepwake/internal/player"
	"sleepwake/internal/sleepwake"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	logger := a.logger
	env := a.env

	logger.Info("Starting sleep/wake service",
		zap.String("player_url", env.PlayerURL),
		zap.String("settings_file", env.SettingsFile),
		zap.String("timezone", env.Timezone.String()),
		zap.Bool("sun_events", env.Location != nil))

	client, err := player.NewHTTPClient(env.PlayerURL, env.PlayerTimeout, logger)
	if err != nil {
		return err
	}

	resolver := a.resolver()
	store := config.NewStore(env.SettingsFile, resolver.Validate, logger)
	if err := store.Load(); err != nil {
		return err
	}

	m := metrics.New()
	svc := sleepwake.NewService(client, store, resolver, env.Timezone, clock.NewRealClock(), m, logger)
	if err := svc.Start(); err != nil {
		// unresolvable events stay unarmed until the next valid save
		logger.Warn("Service started with unarmed events", zap.Error(err))
	}
	for name, at := range svc.NextFires() {
		logger.Info("Next fire", zap.String("event", name), zap.Time("at", at))
	}

	server := api.NewServer(svc, m, logger, env.HTTPPort)
	if err := server.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("Service running. Press Ctrl+C to exit.")

	<-sigChan
	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = multierr.Combine(
		server.Stop(),
		svc.Stop(ctx),
	)
	if err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

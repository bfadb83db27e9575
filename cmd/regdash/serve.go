package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/regdash/pkg/api"
	"github.com/ethpandaops/regdash/pkg/dashboard"
	"github.com/ethpandaops/regdash/pkg/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long:  `Start the regdash HTTP server exposing the dashboard views and the ingestion endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}
	}()

	resolver, err := newResolver(cfg)
	if err != nil {
		return err
	}

	svc := dashboard.NewService(log, store, resolver, dashboard.Options{
		LogBaseURL:  cfg.Dashboard.LogBaseURL,
		KnownClouds: cfg.Dashboard.KnownClouds,
	})
	ingester := ingest.NewHandler(log, store, cfg.Dashboard.DefaultScheduler)

	srv := api.NewServer(log, cfg, store, svc, ingester)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vincentbai/engagetrace/internal/server"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a local ingestion endpoint that validates and logs deliveries",
	Long: `Starts a development ingestion endpoint on the configured address
(ENGAGETRACE_ADDRESS, default 127.0.0.1:8123).

  POST /events   batch {"events": [...]} or a single flat event
  GET  /healthz

When a nonce is configured, deliveries must carry it in the token query
parameter or the X-Engagetrace-Nonce header. Nothing is stored.`,
	Args: cobra.NoArgs,
	RunE: runCollect,
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(cfg.Address, cfg.Nonce, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("collector stopped", zap.Int("events_received", srv.Received()))
	return nil
}

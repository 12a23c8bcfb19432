package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eaforge/stress-backend/internal/api"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long: `Serve workflow state over HTTP: listings, documents, gate verdicts,
the live leaderboard, Prometheus metrics and a websocket event feed.
The server only reads; runs are driven from the CLI.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := buildServices(false)
	if err != nil {
		return err
	}
	if serveHost != "" {
		svc.cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		svc.cfg.Server.Port = servePort
	}

	srv := api.NewServer(svc.logger, svc.cfg, svc.store, svc.bus)

	ctx, cancel := signalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	svc.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		svc.logger.Error("shutdown", zap.Error(err))
		return err
	}
	svc.bus.Close()
	return <-errCh
}

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/juanfont/impersonator/config"
	"github.com/juanfont/impersonator/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Runs the impersonation HTTP API: OIDC login for super admins, the
impersonation endpoints, health and metrics.

Sessions left past their lifetime by a previous run are ended on startup.
SIGINT or SIGTERM drains in-flight requests before exiting.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

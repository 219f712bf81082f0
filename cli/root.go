// Package cli provides the impersonator commands.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/juanfont/impersonator/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "impersonator",
	Short: "impersonator - audited super admin impersonation service",
	Long: `impersonator lets super admins act as another user for support and
debugging. Every session is time-boxed, requires a stated reason, carries a
signed delegation token, and records each action taken with a risk score.

Commands:
  - 'impersonator serve' runs the HTTP API
  - 'impersonator worker' processes background cleanup tasks
  - 'impersonator scheduler' enqueues cleanup on a cron schedule
  - 'impersonator cleanup' ends expired sessions once`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default searches /etc/impersonator, $HOME/.impersonator and .)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and sets up the global logger from it.
func loadConfig() (*config.Config, error) {
	if err := config.Load(configPath, configPath != "", nil); err != nil {
		return nil, err
	}
	cfg := config.GetConfig()
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(lc config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if lc.Format == config.JSONLogFormat {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx := logger.With().Timestamp()
	if lc.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

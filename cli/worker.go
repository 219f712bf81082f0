package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/juanfont/impersonator/config"
	"github.com/juanfont/impersonator/server"
	"github.com/juanfont/impersonator/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process background impersonation tasks",
	Long: `Runs an asynq worker against the configured Redis that ends expired
impersonation sessions when a cleanup task arrives. The worker stops on
SIGINT or SIGTERM.`,
	RunE: runWorker,
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Enqueue session cleanup on a schedule",
	Long: `Enqueues a cleanup task on worker.cleanup_schedule (a cron spec such
as "@every 5m"). Run exactly one scheduler per Redis. The scheduler stops
on SIGINT or SIGTERM.`,
	RunE: runScheduler,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.ValidateRequired(map[string]string{
		"database.path": "SQLite database file",
		"redis.addr":    "Redis address",
	}); err != nil {
		return err
	}

	st, err := server.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	scfg := tasks.DefaultServerConfig(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if cfg.Worker.Concurrency > 0 {
		scfg.Concurrency = cfg.Worker.Concurrency
	}

	srv := tasks.NewServer(scfg)
	srv.Handle(tasks.TaskTypeCleanupExpiredSessions, tasks.NewCleanupHandler(server.BuildManager(cfg, st)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("running worker: %w", err)
	}
	log.Info().Msg("Worker stopped")
	return nil
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.ValidateRequired(map[string]string{
		"redis.addr":              "Redis address",
		"worker.cleanup_schedule": "cron spec for cleanup",
	}); err != nil {
		return err
	}

	sched := tasks.NewScheduler(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	id, err := sched.RegisterCleanup(cfg.Worker.CleanupSchedule)
	if err != nil {
		return err
	}
	log.Info().Str("entry_id", id).Str("schedule", cfg.Worker.CleanupSchedule).Msg("Cleanup scheduled")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("running scheduler: %w", err)
	}
	log.Info().Msg("Scheduler stopped")
	return nil
}

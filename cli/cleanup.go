package cli

import (
	"context"
	"fmt"

	"github.com/juanfont/impersonator/server"
	"github.com/juanfont/impersonator/tasks"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cleanupFlags struct {
	async bool
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "End expired impersonation sessions once",
	Long: `Ends every active impersonation session past its maximum duration and
notifies the super admins who owned them.

With --async the work is enqueued for a worker instead of run in-process.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupFlags.async, "async", false, "enqueue a cleanup task instead of running it")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cleanupFlags.async {
		client := tasks.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()

		info, err := client.Enqueue(tasks.TaskTypeCleanupExpiredSessions,
			tasks.CleanupPayload{Trigger: "cli"}, tasks.CleanupTaskOptions()...)
		if err != nil {
			return err
		}
		fmt.Printf("Enqueued cleanup task %s on queue %s\n", info.ID, info.Queue)
		return nil
	}

	st, err := server.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := server.BuildManager(cfg, st).CleanupExpiredSessions(context.Background())
	if err != nil {
		return err
	}
	log.Debug().Int("ended", n).Msg("Cleanup finished")
	fmt.Printf("Ended %d expired session(s)\n", n)
	return nil
}

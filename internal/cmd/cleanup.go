package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap dead sessions and stop idle ones",
	Long: `Remove sessions whose process has died, and gracefully stop
sessions that have been idle longer than the threshold.

Sessions that are actively working, waiting on a permission request, or
unreachable are never touched.`,
	RunE: runCleanup,
}

var cleanupMaxIdle time.Duration

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupMaxIdle, "max-idle", 0, "idle threshold before a session is stopped (default from config)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	r, cfg, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	maxIdle := cleanupMaxIdle
	if maxIdle == 0 {
		maxIdle = cfg.Session.MaxIdle()
	}

	removed, err := r.Cleanup(cmd.Context(), maxIdle)
	if err != nil {
		return err
	}

	if len(removed) == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	fmt.Printf("Removed %d session(s):\n", len(removed))
	for _, id := range removed {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

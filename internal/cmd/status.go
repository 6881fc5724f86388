package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a single session's state",
	Long: `Show one session with its status recomputed against the live
process. A session whose process has died is reported as dead and
removed from the store.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	sess, err := r.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printSession(sess)
	if sess.Status == store.StatusDead {
		fmt.Println("\nThe session's process is gone; its record has been removed.")
	}
	if sess.HasPendingChanges {
		fmt.Println("\nUncommitted changes:")
		for _, f := range sess.ChangedFiles {
			fmt.Printf("    %s\n", f)
		}
	}
	return nil
}

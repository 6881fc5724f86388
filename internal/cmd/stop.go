package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a session and remove it from the store",
	Long: `Stop a session's server process and delete its record.

A graceful stop sends SIGTERM and waits for the process to exit before
escalating to SIGKILL. Stopping a session that does not exist is not an
error.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var stopForce bool

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVarP(&stopForce, "force", "f", false, "kill immediately with SIGKILL")
}

func runStop(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	stopped, err := r.Stop(cmd.Context(), args[0], stopForce)
	if err != nil {
		return err
	}
	if stopped {
		fmt.Printf("Stopped session %s\n", args[0])
	} else {
		fmt.Printf("No session %s\n", args[0])
	}
	return nil
}

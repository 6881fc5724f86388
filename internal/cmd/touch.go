package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var touchCmd = &cobra.Command{
	Use:   "touch <session-id>",
	Short: "Mark a session as recently active",
	Long: `Update a session's last-activity timestamp to now. Cleanup uses
this timestamp to decide which sessions have gone idle.`,
	Args: cobra.ExactArgs(1),
	RunE: runTouch,
}

func init() {
	rootCmd.AddCommand(touchCmd)
}

func runTouch(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := r.Touch(args[0]); err != nil {
		return err
	}
	fmt.Printf("Touched session %s\n", args[0])
	return nil
}

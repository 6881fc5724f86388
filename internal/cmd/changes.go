package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var changesCmd = &cobra.Command{
	Use:   "changes <session-id>",
	Short: "Show uncommitted changes in a session's working directory",
	Long: `Run a fresh git status probe against the session's working
directory and list changed files. A directory that is not a git
repository, or one the probe cannot read, reports no changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runChanges,
}

func init() {
	rootCmd.AddCommand(changesCmd)
}

func runChanges(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	dirty, files, err := r.HasPendingChanges(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if !dirty {
		fmt.Println("No uncommitted changes.")
		return nil
	}
	fmt.Printf("%d uncommitted file(s):\n", len(files))
	for _, f := range files {
		fmt.Printf("  %s\n", f)
	}
	return nil
}

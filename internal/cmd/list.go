package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AI-enthusiasts/opencode-ctl/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tracked sessions",
	Long: `List every session in the store with its current state.

Statuses are recomputed against the live processes: sessions whose
process has died are removed from the store as part of the listing.
Each surviving session also reports whether its working directory has
uncommitted changes.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	listing, err := r.List(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println(strings.Repeat("─", 70))
	fmt.Printf("OpenCode Sessions (%s)\n", listing.TakenAt.Format(time.RFC822))
	fmt.Println(strings.Repeat("─", 70))

	if len(listing.Sessions) == 0 {
		fmt.Println("\nNo sessions found.")
		fmt.Println("Run 'occtl start' to create one.")
		return nil
	}

	fmt.Printf("\nFound %d session(s):\n\n", len(listing.Sessions))
	for _, s := range listing.Sessions {
		printSession(s)
		fmt.Println()
	}
	return nil
}

func printSession(s *store.Session) {
	fmt.Printf("  Session: %s\n", s.ID)
	fmt.Printf("    Status:   %s\n", s.Status)
	fmt.Printf("    Port:     %d\n", s.Port)
	fmt.Printf("    PID:      %d\n", s.PID)
	fmt.Printf("    Created:  %s\n", s.CreatedAt.Local().Format(time.RFC822))
	fmt.Printf("    Activity: %s ago\n", time.Since(s.LastActivity).Round(time.Second))
	if s.Workdir != "" {
		fmt.Printf("    Workdir:  %s\n", s.Workdir)
	}
	if s.HasPendingChanges {
		fmt.Printf("    Changes:  %d uncommitted file(s)\n", len(s.ChangedFiles))
	}
}

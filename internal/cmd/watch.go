package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously show sessions as the store changes",
	Long: `Print the session listing now and again every time the store file
changes on disk. Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	return r.Manager().Watch(ctx, func() {
		listing, err := r.Snapshot(ctx)
		if err != nil {
			fmt.Printf("listing failed: %v\n", err)
			return
		}
		fmt.Println(strings.Repeat("─", 70))
		fmt.Printf("%s: %d session(s)\n", listing.TakenAt.Format(time.Kitchen), len(listing.Sessions))
		for _, s := range listing.Sessions {
			fmt.Printf("  %-12s %-20s port %-5d %s\n", s.ID, s.Status, s.Port, s.Workdir)
		}
	})
}

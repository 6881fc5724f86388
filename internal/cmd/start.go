package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AI-enthusiasts/opencode-ctl/internal/runner"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new opencode session",
	Long: `Start a new opencode server in the given working directory.

The session is assigned the lowest free port at or above the configured
base port and registered in the store. The command waits for the server
to announce itself before returning; if it never does, nothing is
recorded.`,
	RunE: runStart,
}

var (
	startWorkdir    string
	startConfig     string
	startAllowOcctl bool
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVarP(&startWorkdir, "workdir", "w", "", "working directory for the session (default: current directory)")
	startCmd.Flags().StringVar(&startConfig, "opencode-config", "", "opencode config file passed to the server")
	startCmd.Flags().BoolVar(&startAllowOcctl, "allow-occtl", false, "do not blacklist occtl commands inside the session")
}

func runStart(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	sess, err := r.Start(cmd.Context(), runner.StartOptions{
		Workdir:            startWorkdir,
		ConfigPath:         startConfig,
		AllowOcctlCommands: startAllowOcctl,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Started session %s\n", sess.ID)
	fmt.Printf("  Port:    %d\n", sess.Port)
	fmt.Printf("  PID:     %d\n", sess.PID)
	fmt.Printf("  Workdir: %s\n", sess.Workdir)
	return nil
}

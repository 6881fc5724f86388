package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AI-enthusiasts/opencode-ctl/internal/client"
	"github.com/AI-enthusiasts/opencode-ctl/internal/runner"
)

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <message>...",
	Short: "Send a message to a session",
	Long: `Send a prompt to a session's server. By default the command
returns immediately; with --wait it blocks until the server finishes
responding and prints the reply.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

var (
	sendWait  bool
	sendAgent string
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait for the response and print it")
	sendCmd.Flags().StringVar(&sendAgent, "agent", "", "agent to route the message to")
}

func runSend(cmd *cobra.Command, args []string) error {
	r, _, logger, err := newRunner()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	sess, err := r.Attach(ctx, args[0])
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")

	api := client.New(runner.AttachURL(sess), client.DefaultTimeout)

	apiSessionID, err := api.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("creating server session: %w", err)
	}

	if !sendWait {
		if err := api.SendMessageAsync(ctx, apiSessionID, text, sendAgent); err != nil {
			return err
		}
		fmt.Printf("Sent to session %s\n", sess.ID)
		return nil
	}

	result, err := api.SendMessage(ctx, apiSessionID, text, sendAgent)
	if err != nil {
		return err
	}
	fmt.Println(result.Text)
	return nil
}

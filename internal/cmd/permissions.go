package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AI-enthusiasts/opencode-ctl/internal/client"
	"github.com/AI-enthusiasts/opencode-ctl/internal/runner"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions <session-id>",
	Short: "List a session's pending permission requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissions,
}

var approveCmd = &cobra.Command{
	Use:   "approve <session-id> <permission-id>",
	Short: "Approve a pending permission request",
	Args:  cobra.ExactArgs(2),
	RunE:  runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject <session-id> <permission-id>",
	Short: "Reject a pending permission request",
	Args:  cobra.ExactArgs(2),
	RunE:  runReject,
}

var (
	approveAlways bool
	rejectMessage string
)

func init() {
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	approveCmd.Flags().BoolVar(&approveAlways, "always", false, "approve this permission permanently")
	rejectCmd.Flags().StringVarP(&rejectMessage, "message", "m", "", "explanation sent with the rejection")
}

// sessionClient resolves a session and returns an API client for it.
func sessionClient(cmd *cobra.Command, id string) (*client.Client, func(), error) {
	r, _, logger, err := newRunner()
	if err != nil {
		return nil, nil, err
	}

	sess, err := r.Attach(cmd.Context(), id)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	api := client.New(runner.AttachURL(sess), client.DefaultTimeout)
	return api, func() { logger.Close() }, nil
}

func runPermissions(cmd *cobra.Command, args []string) error {
	api, done, err := sessionClient(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	perms, err := api.ListPermissions(cmd.Context())
	if err != nil {
		return err
	}

	if len(perms) == 0 {
		fmt.Println("No pending permission requests.")
		return nil
	}
	fmt.Printf("%d pending request(s):\n\n", len(perms))
	for _, p := range perms {
		fmt.Printf("  %s\n", p.ID)
		if p.ToolName != "" {
			fmt.Printf("    Tool:       %s\n", p.ToolName)
		}
		if p.Permission != "" {
			fmt.Printf("    Permission: %s\n", p.Permission)
		}
		if p.Pattern != "" {
			fmt.Printf("    Pattern:    %s\n", p.Pattern)
		}
	}
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	api, done, err := sessionClient(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	reply := "once"
	if approveAlways {
		reply = "always"
	}
	if err := api.ReplyPermission(cmd.Context(), args[1], reply, ""); err != nil {
		return err
	}
	fmt.Printf("Approved %s (%s)\n", args[1], reply)
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	api, done, err := sessionClient(cmd, args[0])
	if err != nil {
		return err
	}
	defer done()

	if err := api.ReplyPermission(cmd.Context(), args[1], "reject", rejectMessage); err != nil {
		return err
	}
	fmt.Printf("Rejected %s\n", args[1])
	return nil
}

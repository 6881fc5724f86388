// Package cmd implements the occtl command line interface.
package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AI-enthusiasts/opencode-ctl/internal/config"
	"github.com/AI-enthusiasts/opencode-ctl/internal/logging"
	"github.com/AI-enthusiasts/opencode-ctl/internal/runner"
)

var rootCmd = &cobra.Command{
	Use:   "occtl",
	Short: "Manage local opencode server sessions",
	Long: `occtl spawns and tracks opencode server processes on this machine.
Each session gets its own port and is recorded in a shared store, so
any occtl invocation can list, message, or stop sessions started by
another.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under ctx, so signals cancel
// in-flight operations.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/opencode-ctl/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/opencode-ctl")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("OCCTL")
	// Replace dots with underscores for nested keys in env vars
	// e.g., OCCTL_SESSION_BASE_PORT for session.base_port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// newRunner builds the lifecycle coordinator from loaded config. The
// returned logger must be closed by the caller.
func newRunner() (*runner.Runner, *config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(cfg.ResolveDataDir(), cfg.Logging.Level)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	return runner.New(cfg, logger), cfg, logger, nil
}

// Package cli provides the command-line interface for vmbuild.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmbuild/internal/config"
	"github.com/javanstorm/vmbuild/internal/logging"
)

var (
	// configFile overrides the config file search.
	configFile string

	// loaded is the resolved configuration, set before any command that
	// needs it runs.
	loaded *config.Loaded

	// logger is built from the log_level and log_format settings.
	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:   "vmbuild",
	Short: "vmbuild - run builds inside a suspended Linux VM",
	Long: `vmbuild boots a Linux VM whose init runs a build server, keeps it
suspended between builds, and runs each build by staging the source tree
into the guest, resuming the VM and streaming the build's progress.

Configuration is read from config.yaml in the data or config directory,
then VMBUILD_* environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		return loadConfig(cmd)
	},
}

func loadConfig(cmd *cobra.Command) error {
	l, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logging.New(l.LogLevel, l.LogFormat, os.Stderr)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	loaded = l
	logger = log
	slog.SetDefault(log)
	return nil
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: config.yaml in the data or config directory)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.BoolVarP(&quietMode, "quiet", "q", false, "only print build output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

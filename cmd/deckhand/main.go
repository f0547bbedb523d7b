package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/log"
)

var (
	// Version is the current version of deckhand
	Version = "0.4.0"

	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "deckhand",
	Short: "A local control plane for installing and repairing devops tools",
	Long: `deckhand installs devops tooling on the machine it runs on.

It profiles the host, resolves deterministic install plans from recipes,
executes them with streamed output, and turns failures into actionable
remediation options instead of raw stack traces.

Run 'deckhand serve' to start the HTTP API for the web UI, or use the
subcommands directly from the terminal.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := log.LevelFromEnv()
		if logLevelFlag != "" {
			level = log.ParseLevel(logLevelFlag)
		}
		log.SetDefault(log.NewText(os.Stderr, level))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log verbosity: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(remediateCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitUsage)
	}
}

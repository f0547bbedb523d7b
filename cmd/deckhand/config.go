package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/deckhand-dev/deckhand/internal/audit"
	"github.com/deckhand-dev/deckhand/internal/userconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage deckhand configuration",
	Long: `Manage deckhand configuration settings.

Configuration is stored in ~/.deckhand/config.toml (or under
DEVOPS_HOME if set).

Examples:
  deckhand config get listen
  deckhand config set executor_pool_size 8`,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		cfg, err := userconfig.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		value, ok := cfg.Get(key)
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown config key: %s\n", key)
			fmt.Fprintf(os.Stderr, "\nAvailable keys:\n")
			printAvailableKeys()
			exitWithCode(ExitUsage)
		}

		fmt.Println(value)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Examples:
  deckhand config set listen 127.0.0.1:9000
  deckhand config set step_timeout_seconds 600`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		value := args[1]

		cfg, err := userconfig.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		previous, _ := cfg.Get(key)

		if err := cfg.Set(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "\nAvailable keys:\n")
			printAvailableKeys()
			exitWithCode(ExitUsage)
		}

		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		if rt, rtErr := newRuntime(); rtErr == nil {
			details, _ := json.Marshal(map[string]any{
				"key":    key,
				"before": previous,
				"after":  value,
			})
			rt.auditor.Log(audit.Record{
				Kind:    audit.KindConfigChange,
				Details: details,
			})
			rt.close()
		}

		fmt.Printf("%s = %s\n", key, value)
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration values",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := userconfig.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			exitWithCode(ExitGeneral)
		}

		keys := userconfig.AvailableKeys()
		var sortedKeys []string
		for k := range keys {
			sortedKeys = append(sortedKeys, k)
		}
		sort.Strings(sortedKeys)

		for _, k := range sortedKeys {
			value, _ := cfg.Get(k)
			fmt.Printf("%-22s = %s\n", k, value)
		}
	},
}

func printAvailableKeys() {
	keys := userconfig.AvailableKeys()
	var sortedKeys []string
	for k := range keys {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	for _, k := range sortedKeys {
		fmt.Fprintf(os.Stderr, "  %s - %s\n", k, keys[k])
	}
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var showRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the settings chatsync runs with after .env and CHATSYNC_* overrides,\n" +
		"with unset [sync] durations shown at their defaults. Use --raw for the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if showRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		s, err := resolveSettings()
		if err != nil {
			return err
		}
		return printSettings(cmd.OutOrStdout(), path, s)
	},
}

// printSettings writes the effective settings with where each value came from.
func printSettings(w io.Writer, path string, s *settings) error {
	synced, err := s.syncSettings()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		path += " (not found)"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", path)

	line := func(key, value, source string) {
		fmt.Fprintf(w, "  %-22s %-36s %s\n", key, value, source)
	}

	fmt.Fprintln(w, "[default]")
	line("base_url", s.baseURL, s.sources["base_url"])
	transportSource := sourceDefault
	if s.cfg.Default.Transport != "" {
		transportSource = sourceFile
	}
	line("transport", string(s.transport()), transportSource)

	fmt.Fprintln(w, "[auth]")
	token := "(none)"
	if s.token != "" {
		token = maskKey(s.token)
	}
	line("token", token, s.sources["token"])
	userID := valueOrDefault(s.userID, "(unknown)")
	if s.tokenErr != nil {
		userID = "(unreadable token)"
	}
	line("user_id", userID, s.sources["user_id"])

	fmt.Fprintln(w, "[sync]")
	for _, f := range synced {
		line(f.key, f.value.String(), f.source)
	}
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.poll_interval 2s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

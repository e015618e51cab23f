package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your access token. The user id and expiry are read from the token.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		claims, err := tokenClaims(token)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		cfg.Auth.UserID = claims.Subject
		cfg.Auth.TokenExpires = ""
		if claims.ExpiresAt != nil {
			cfg.Auth.TokenExpires = claims.ExpiresAt.Time.Format(time.RFC3339)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for user %s saved to %s\n", valueOrDefault(claims.Subject, "(unknown)"), path)
		return nil
	},
}

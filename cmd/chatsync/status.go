package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the token is expired, and reach the backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Sync.PollInterval != "" || cfg.Sync.ReconcileWindow != "" {
			fmt.Printf("  Poll:        %s\n", valueOrDefault(cfg.Sync.PollInterval, "(default)"))
			fmt.Printf("  Reconcile:   %s\n", valueOrDefault(cfg.Sync.ReconcileWindow, "(default)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       none")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))

		tokenStatus := "present (no expiry)"
		if claims, err := tokenClaims(cfg.Auth.Token); err != nil {
			tokenStatus = fmt.Sprintf("unreadable (%v)", err)
		} else if claims.ExpiresAt != nil {
			expires := claims.ExpiresAt.Time
			if time.Now().Before(expires) {
				tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
			} else {
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
			}
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)

		s, err := loadSettings()
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := s.client(zerolog.Nop())
		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error reaching %s: %v\n", s.baseURL, err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.Unread(s.userID)
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

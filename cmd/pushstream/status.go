package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and unread status",
	Long:  "Display the current configuration, check whether the stored token is expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sc := cfg.streamConfig()

		fmt.Println("Stream:")
		fmt.Printf("  URL:         %s\n", valueOrDefault(sc.URL, "(not set)"))
		fmt.Printf("  Enabled:     %t\n", sc.Enabled)
		fmt.Printf("  Retries:     %d (backoff %s..%s)\n", sc.MaxRetries, sc.BaseDelay, sc.MaxDelay)
		fmt.Printf("  Topics:      %s\n", valueOrDefault(strings.Join(cfg.Stream.Topics, ","), "(none)"))

		fmt.Println()
		fmt.Println("API:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.API.BaseURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			if cfg.Auth.Expires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.Expires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.Expires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Status:      %s\n", tokenStatus)

		tokens := tokenStore(cfg)
		if cfg.API.BaseURL == "" || !tokens.HasLogin() {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, err := getAPIClient(cfg, tokens, loggerFor(cfg))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		for _, ch := range channels {
			n, err := client.FetchUnreadCount(ctx, ch)
			if err != nil {
				fmt.Printf("  %-12s error: %v\n", ch+":", err)
				continue
			}
			fmt.Printf("  %-12s %d unread\n", ch+":", n)
		}
		return nil
	},
}

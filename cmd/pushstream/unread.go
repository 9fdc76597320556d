package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Prismer-AI/pushstream"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(unreadCmd)
	unreadCmd.AddCommand(unreadListCmd)
	unreadCmd.AddCommand(unreadReadCmd)
	unreadCmd.AddCommand(unreadReadAllCmd)
	unreadListCmd.Flags().Bool("json", false, "print records as JSON")
}

// withAPI loads the config and runs fn with an authenticated client.
func withAPI(cmd *cobra.Command, fn func(ctx context.Context, client *pushstream.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	tokens := tokenStore(cfg)
	if !tokens.HasLogin() {
		return fmt.Errorf("%w. Run 'pushstream login <token>' first", pushstream.ErrNotLoggedIn)
	}
	client, err := getAPIClient(cfg, tokens, loggerFor(cfg))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	return fn(ctx, client)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(cmd, func(ctx context.Context, client *pushstream.Client) error {
			total := 0
			for _, ch := range channels {
				n, err := client.FetchUnreadCount(ctx, ch)
				if err != nil {
					return fmt.Errorf("fetch %s unread count: %w", ch, err)
				}
				total += n
				fmt.Printf("%-8s %d\n", ch, n)
			}
			fmt.Printf("%-8s %d\n", "total", total)
			return nil
		})
	},
}

var unreadListCmd = &cobra.Command{
	Use:   "list <channel>",
	Short: "List unread records of a channel (message or notice)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := parseChannel(args[0])
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return withAPI(cmd, func(ctx context.Context, client *pushstream.Client) error {
			records, err := client.FetchUnreadList(ctx, ch)
			if err != nil {
				return fmt.Errorf("fetch %s unread list: %w", ch, err)
			}
			if asJSON {
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			if len(records) == 0 {
				fmt.Println("No unread records.")
				return nil
			}
			for _, r := range records {
				fmt.Println(recordLine(ch, r))
			}
			return nil
		})
	},
}

var unreadReadCmd = &cobra.Command{
	Use:   "read <channel> <id>",
	Short: "Mark one record read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := parseChannel(args[0])
		if err != nil {
			return err
		}
		return withAPI(cmd, func(ctx context.Context, client *pushstream.Client) error {
			if err := client.MarkRead(ctx, ch, args[1]); err != nil {
				return fmt.Errorf("mark %s %s read: %w", ch, args[1], err)
			}
			fmt.Printf("Marked %s %s read.\n", ch, args[1])
			return nil
		})
	},
}

var unreadReadAllCmd = &cobra.Command{
	Use:   "read-all <channel>",
	Short: "Mark every record of a channel read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, err := parseChannel(args[0])
		if err != nil {
			return err
		}
		return withAPI(cmd, func(ctx context.Context, client *pushstream.Client) error {
			if err := client.MarkAllRead(ctx, ch); err != nil {
				return fmt.Errorf("mark all %s read: %w", ch, err)
			}
			fmt.Printf("Marked all %s records read.\n", ch)
			return nil
		})
	},
}

// recordLine formats a record through its typed view.
func recordLine(ch pushstream.Channel, r pushstream.Record) string {
	if ch == pushstream.ChannelNotice {
		var n pushstream.UserNotice
		if err := r.Decode(&n); err != nil {
			return fmt.Sprintf("<undecodable: %v>", err)
		}
		return fmt.Sprintf("%-20s %-10s %s", n.NoticeID, n.NoticeType, n.NoticeTitle)
	}
	var m pushstream.UserMessage
	if err := r.Decode(&m); err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return fmt.Sprintf("%-20s %-10s %s", m.MessageID, m.BizType, m.Title)
}

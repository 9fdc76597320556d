package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Prismer-AI/pushstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func init() {
	listenCmd.Flags().Bool("watch", false, "reload stream settings when the config file changes")
	listenCmd.Flags().Bool("frames", false, "print every routed record")
	listenCmd.Flags().StringSlice("tabs", []string{"pages/index/index", pushstream.DefaultBadgeRoute}, "tab bar routes, in order")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect to the stream and print unread totals as they change",
	Long:  "Run the notification pipeline until interrupted. The combined unread count is printed whenever it changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		frames, _ := cmd.Flags().GetBool("frames")
		tabs, _ := cmd.Flags().GetStringSlice("tabs")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := loggerFor(cfg)
		tokens := tokenStore(cfg)
		if !tokens.HasLogin() {
			return fmt.Errorf("%w. Run 'pushstream login <token>' first", pushstream.ErrNotLoggedIn)
		}
		tokens.OnInvalidate(func() {
			log.Warn().Msg("credential rejected; run 'pushstream login' again")
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps := pushstream.Deps{
			Credentials: tokens,
			BadgeSink:   pushstream.BadgeSinkFunc(func(tab, count int) {
				fmt.Printf("%s unread=%d tab=%d\n", time.Now().Format(time.TimeOnly), count, tab)
			}),
			Tabs:    pushstream.RouteTabs(tabs...),
			Runtime: pushstream.Runtime{Logger: &log},
		}
		if cfg.API.BaseURL != "" {
			client, err := getAPIClient(cfg, tokens, log)
			if err != nil {
				return err
			}
			deps.Fetcher = client
		}

		p := pushstream.New(cfg.streamConfig(), deps)
		p.Manager.OnStateChange(func(s pushstream.State) {
			log.Info().Str("state", string(s)).Msg("stream state")
		})
		p.Manager.OnReconnecting(func(attempt int, delay time.Duration) {
			log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		})
		if frames {
			for _, s := range p.Stores() {
				p.Router.Subscribe(pushstream.Event(s.Channel()), printFrame)
			}
		}
		p.Init()
		defer p.Shutdown()

		if len(cfg.Stream.Topics) > 0 {
			p.Manager.SetTopics(cfg.Stream.Topics...)
		}
		if deps.Fetcher != nil {
			if err := p.RefreshUnread(ctx); err != nil {
				log.Warn().Err(err).Msg("initial unread refresh failed")
			}
		}
		p.SetLoggedIn(ctx, true)

		if watch {
			path, err := configPath()
			if err != nil {
				return err
			}
			go func() {
				err := watchConfig(ctx, path, log, func(next *Config) {
					applyConfig(ctx, p, next, log)
				})
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("config watch stopped")
				}
			}()
		}

		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	},
}

func printFrame(data json.RawMessage, f pushstream.Frame) {
	fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), f.Event, data)
}

// applyConfig pushes reloaded stream settings into a running pipeline.
func applyConfig(ctx context.Context, p *pushstream.Pipeline, cfg *Config, log zerolog.Logger) {
	sc := cfg.streamConfig()
	prev := p.Manager.Config()
	p.Manager.Configure(pushstream.WithConfig(sc))
	if prev.URL != sc.URL {
		p.Manager.Disconnect()
	}
	if topics := pushstream.NormalizeTopics(cfg.Stream.Topics...); topics != p.Manager.Topics() {
		p.Manager.SetTopics(topics)
	}
	if sc.Enabled {
		p.Manager.Connect(ctx)
	}
	log.Info().
		Str("url", sc.URL).
		Bool("enabled", sc.Enabled).
		Str("topics", p.Manager.Topics()).
		Msg("stream settings reloaded")
}

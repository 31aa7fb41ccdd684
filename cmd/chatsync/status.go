package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, backend health and cached conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Printf("  Change feed: %s\n", feedName(cfg))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		if cfg.Auth.Token != "" {
			fmt.Println()
			fmt.Println("Live status:")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			start := time.Now()
			if err := newClient(cfg).Health(ctx); err != nil {
				fmt.Printf("  Backend:     unreachable (%v)\n", err)
			} else {
				fmt.Printf("  Backend:     ok (%s)\n", time.Since(start).Round(time.Millisecond))
			}
		}

		cache, err := openCache(cfg)
		if err != nil {
			fmt.Printf("\nCache unavailable: %v\n", err)
			return nil
		}
		defer cache.Close()
		keys, err := cache.Keys()
		if err != nil {
			return fmt.Errorf("read cache: %w", err)
		}

		fmt.Println()
		fmt.Printf("Cached conversations: %s\n", humanize.Comma(int64(len(keys))))
		for _, key := range keys {
			msgs, err := cache.Load(key)
			if err != nil {
				fmt.Printf("  %s: %v\n", key, err)
				continue
			}
			summary := summarize(msgs, cfg.Auth.UserID)
			fmt.Printf("  %-40s %4d messages, %d unread, last %s\n",
				key.Peer(cfg.Auth.UserID), len(msgs), summary.unread, humanize.Time(summary.last))
		}
		return nil
	},
}

type cacheSummary struct {
	last   time.Time
	unread int
}

// summarize mirrors the session projections for a cached snapshot.
func summarize(msgs []chatsync.Message, local string) cacheSummary {
	st := chatsync.NewStore(0)
	for _, m := range msgs {
		st.Upsert(m)
	}
	return cacheSummary{last: st.LastActivity(), unread: st.UnreadCount(local)}
}

func feedName(cfg *Config) string {
	switch {
	case cfg.Feeds.PostgresDSN != "":
		return "postgres LISTEN/NOTIFY"
	case cfg.Feeds.RedisAddr != "":
		return "redis pub/sub (" + cfg.Feeds.RedisAddr + ")"
	default:
		return "server-sent events"
	}
}

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/Prismer/sdk/chatsync"
	"github.com/LuminPulse-AI/Prismer/sdk/chatsync/pebblecache"
	"github.com/LuminPulse-AI/Prismer/sdk/chatsync/pgfeed"
	"github.com/LuminPulse-AI/Prismer/sdk/chatsync/redisfeed"
)

// requireAuth loads the config and fails if no token is stored.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no session token. Run 'chatsync init <token>' first")
	}
	if cfg.Auth.UserID == "" {
		id, err := chatsync.LocalUserFromToken(cfg.Auth.Token)
		if err != nil {
			return nil, err
		}
		cfg.Auth.UserID = id
	}
	return cfg, nil
}

func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

func cachePath(cfg *Config) (string, error) {
	if cfg.Default.CacheDir != "" {
		return cfg.Default.CacheDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

func openCache(cfg *Config) (*pebblecache.Store, error) {
	path, err := cachePath(cfg)
	if err != nil {
		return nil, err
	}
	return pebblecache.Open(path)
}

// subscription picks the change-feed transport configured in [feeds]. The
// returned cleanup releases anything the channel does not own.
func subscription(cfg *Config, client *chatsync.Client, log *zerolog.Logger) (chatsync.Channel, func()) {
	switch {
	case cfg.Feeds.PostgresDSN != "":
		return pgfeed.NewListener(pgfeed.ListenerConfig{DSN: cfg.Feeds.PostgresDSN, Logger: log}), func() {}
	case cfg.Feeds.RedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Feeds.RedisAddr})
		return redisfeed.New(redisfeed.Config{Client: rdb, Logger: log}), func() { rdb.Close() }
	default:
		return client.SSEChannel(chatsync.RealtimeConfig{AutoReconnect: true, Logger: log}), func() {}
	}
}

// openSession builds a session for peer with the snapshot cache attached.
// live adds the push and change-feed channels; without them the session
// relies on polling.
func openSession(cfg *Config, peer string, live bool, log zerolog.Logger) (*chatsync.Session, func(), error) {
	client := newClient(cfg)
	cache, err := openCache(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { cache.Close() }

	sc := chatsync.SessionConfig{
		LocalUserID: cfg.Auth.UserID,
		PeerID:      peer,
		Backend:     client,
		Snapshots:   cache,
		Logger:      &log,
	}
	if live {
		sc.Push = client.WSChannel(chatsync.RealtimeConfig{AutoReconnect: true, Logger: &log})
		sub, release := subscription(cfg, client, &log)
		sc.Subscription = sub
		cleanup = func() { release(); cache.Close() }
	}

	sess, err := chatsync.NewSession(sc)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return sess, cleanup, nil
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func stateMark(m chatsync.Message) string {
	switch {
	case m.Deleted:
		return "deleted"
	case m.State == chatsync.StateFailed:
		return "failed"
	default:
		return string(m.State)
	}
}

func messageKey(m chatsync.Message) string {
	if m.ID != "" {
		return m.ID
	}
	return "local:" + m.CorrelationID
}

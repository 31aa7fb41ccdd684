package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Feeds   ConfigFeeds   `toml:"feeds"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	LogLevel string `toml:"log_level"`
	CacheDir string `toml:"cache_dir"`
}

// ConfigAuth holds the session token and the user it belongs to.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigFeeds selects the change-feed transport. The first one set wins:
// Postgres LISTEN/NOTIFY, then Redis pub/sub, then the backend SSE stream.
type ConfigFeeds struct {
	PostgresDSN string `toml:"postgres_dsn"`
	RedisAddr   string `toml:"redis_addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and layers CHATSYNC_* environment
// variables (including those from a local .env) on top. A missing file
// yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load(".env")
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func loadConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

var envKeys = map[string]string{
	"CHATSYNC_BASE_URL":     "default.base_url",
	"CHATSYNC_LOG_LEVEL":    "default.log_level",
	"CHATSYNC_CACHE_DIR":    "default.cache_dir",
	"CHATSYNC_TOKEN":        "auth.token",
	"CHATSYNC_USER_ID":      "auth.user_id",
	"CHATSYNC_POSTGRES_DSN": "feeds.postgres_dsn",
	"CHATSYNC_REDIS_ADDR":   "feeds.redis_addr",
}

// applyEnv layers non-empty CHATSYNC_* values over cfg and returns the
// variables it used, sorted. Values that fail validation are skipped.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	var used []string
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			if setConfigValue(cfg, key, v) == nil {
				used = append(used, env)
			}
		}
	}
	sort.Strings(used)
	return used
}

// saveConfig writes the file-backed config to disk as TOML. Environment
// overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
// An empty value clears the field.
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]
	if value != "" {
		if err := validateConfigValue(key, value); err != nil {
			return err
		}
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "feeds":
		switch field {
		case "postgres_dsn":
			cfg.Feeds.PostgresDSN = value
		case "redis_addr":
			cfg.Feeds.RedisAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [feeds]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, feeds)", section)
	}
	return nil
}

func validateConfigValue(key, value string) error {
	switch key {
	case "default.base_url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("base_url must be an http(s) URL, got %q", value)
		}
	case "default.log_level":
		if _, err := zerolog.ParseLevel(value); err != nil {
			return fmt.Errorf("unknown log level %q", value)
		}
	case "feeds.postgres_dsn":
		if !strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") && !strings.Contains(value, "=") {
			return fmt.Errorf("postgres_dsn must be a postgres:// URL or key=value DSN")
		}
	}
	return nil
}

// renderConfig prints the effective configuration as TOML with the token
// masked, preceded by the resolved feed and any environment overrides.
func renderConfig(cfg *Config, overrides []string) (string, error) {
	shown := *cfg
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# change feed: %s\n", feedName(cfg))
	if len(overrides) > 0 {
		fmt.Fprintf(&b, "# overridden by: %s\n", strings.Join(overrides, ", "))
	}
	b.Write(data)
	return b.String(), nil
}

// ============================================================================
// config command
// ============================================================================

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify ~/.chatsync/config.toml. CHATSYNC_* environment variables and a local .env override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfigFile()
		if err != nil {
			return err
		}
		_ = godotenv.Load(".env")
		out, err := renderConfig(cfg, applyEnv(cfg, os.LookupEnv))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set feeds.redis_addr localhost:6379",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[1] == "" {
			return fmt.Errorf("use 'chatsync config unset %s' to clear a value", args[0])
		}
		return updateConfigFile(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfigFile(args[0], "")
	},
}

func updateConfigFile(key, value string) error {
	cfg, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if value == "" {
		fmt.Printf("Cleared %s\n", key)
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var logLevelFlag string

func newLogger(cfg *Config) zerolog.Logger {
	level := valueOrDefault(logLevelFlag, valueOrDefault(cfg.Default.LogLevel, "warn"))
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(lvl).
		With().Timestamp().Logger()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Two-party conversation sync CLI",
	Long:  "Command-line client for chatsync.\nFollow a conversation live, send messages and inspect the local cache.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

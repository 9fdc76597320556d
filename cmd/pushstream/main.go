package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Prismer-AI/pushstream"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pushstream/config.toml.
type Config struct {
	Stream ConfigStream `toml:"stream" yaml:"stream"`
	API    ConfigAPI    `toml:"api" yaml:"api"`
	Auth   ConfigAuth   `toml:"auth" yaml:"auth"`
	Log    ConfigLog    `toml:"log" yaml:"log"`
}

// ConfigStream holds the connection manager settings.
type ConfigStream struct {
	URL         string   `toml:"url" yaml:"url"`
	Enabled     *bool    `toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxRetries  *int     `toml:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelayMS int      `toml:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int      `toml:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Topics      []string `toml:"topics,omitempty" yaml:"topics,omitempty"`
}

// ConfigAPI holds the REST endpoint used for unread counts.
type ConfigAPI struct {
	BaseURL string `toml:"base_url" yaml:"base_url"`
}

// ConfigAuth holds the stored login.
type ConfigAuth struct {
	Token   string `toml:"token" yaml:"token"`
	Expires string `toml:"expires,omitempty" yaml:"expires,omitempty"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level string `toml:"level,omitempty" yaml:"level,omitempty"`
}

// streamConfig converts the file settings into a manager configuration.
func (c *Config) streamConfig() pushstream.Config {
	cfg := pushstream.DefaultConfig()
	cfg.URL = strings.TrimSpace(c.Stream.URL)
	if c.Stream.Enabled != nil {
		cfg.Enabled = *c.Stream.Enabled
	}
	if c.Stream.MaxRetries != nil {
		cfg.MaxRetries = *c.Stream.MaxRetries
	}
	if c.Stream.BaseDelayMS > 0 {
		cfg.BaseDelay = time.Duration(c.Stream.BaseDelayMS) * time.Millisecond
	}
	if c.Stream.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(c.Stream.MaxDelayMS) * time.Millisecond
	}
	return cfg
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pushstream, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pushstream")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the --config flag or the default config file.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = toml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk in the format of its
// file extension.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigFile(path, cfg)
}

func saveConfigFile(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "stream.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. stream.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "stream":
		switch field {
		case "url":
			cfg.Stream.URL = strings.TrimSpace(value)
		case "enabled":
			enabled := pushstream.ParseSwitch(value, true)
			cfg.Stream.Enabled = &enabled
		case "max_retries":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("max_retries must be an integer: %w", err)
			}
			cfg.Stream.MaxRetries = &n
		case "base_delay_ms":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("base_delay_ms must be an integer: %w", err)
			}
			cfg.Stream.BaseDelayMS = n
		case "max_delay_ms":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("max_delay_ms must be an integer: %w", err)
			}
			cfg.Stream.MaxDelayMS = n
		case "topics":
			cfg.Stream.Topics = nil
			if t := pushstream.NormalizeTopics(value); t != "" {
				cfg.Stream.Topics = strings.Split(t, ",")
			}
		default:
			return fmt.Errorf("unknown field %q in section [stream]", field)
		}
	case "api":
		switch field {
		case "base_url":
			cfg.API.BaseURL = strings.TrimSpace(value)
		default:
			return fmt.Errorf("unknown field %q in section [api]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "expires":
			cfg.Auth.Expires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: stream, api, auth, log)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// newLogger writes human-readable logs to stderr. An empty or invalid level
// falls back to info.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "pushstream",
	Short: "Notification stream CLI",
	Long:  "Command-line interface for the pushstream notification pipeline.\nManage configuration, log in, inspect unread counts and listen to the live stream.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.pushstream/config.toml; .yaml/.yml also accepted)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

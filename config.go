package pushstream

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxRetries = 10
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Environment variables recognised by ConfigFromEnv.
const (
	EnvURL        = "PUSHSTREAM_WS_URL"
	EnvEnable     = "PUSHSTREAM_WS_ENABLE"
	EnvMaxRetries = "PUSHSTREAM_WS_MAX_RETRIES"
	EnvBaseDelay  = "PUSHSTREAM_WS_BASE_DELAY_MS"
	EnvMaxDelay   = "PUSHSTREAM_WS_MAX_DELAY_MS"
	EnvAuthMode   = "PUSHSTREAM_AUTH_MODE"
)

// Config configures the connection manager.
type Config struct {
	// URL is the streaming endpoint. An empty URL disables connecting.
	URL     string
	Enabled bool
	// MaxRetries bounds consecutive scheduled reconnects. 0 disables them.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RefreshCredential allows the manager to ask the credential source for a
	// refresh when no valid credential is available.
	RefreshCredential bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

func (c *Config) sanitize() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
}

// Option mutates a Config. Options are applied in order.
type Option func(*Config)

func WithURL(u string) Option {
	return func(c *Config) { c.URL = strings.TrimSpace(u) }
}

func WithEnabled(enabled bool) Option {
	return func(c *Config) { c.Enabled = enabled }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithBackoff(base, max time.Duration) Option {
	return func(c *Config) {
		c.BaseDelay = base
		c.MaxDelay = max
	}
}

func WithCredentialRefresh(enabled bool) Option {
	return func(c *Config) { c.RefreshCredential = enabled }
}

// WithConfig replaces every field with cfg.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// ConfigFromEnv builds a Config from environment-style settings. getenv is
// usually os.Getenv. The stream is enabled by default, unless the URL is
// missing or the enable switch reads "false" or "0".
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig()
	cfg.URL = strings.TrimSpace(getenv(EnvURL))
	cfg.Enabled = ParseSwitch(getenv(EnvEnable), true) && cfg.URL != ""
	if n, err := strconv.Atoi(strings.TrimSpace(getenv(EnvMaxRetries))); err == nil {
		cfg.MaxRetries = n
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(getenv(EnvBaseDelay))); err == nil && ms > 0 {
		cfg.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.Atoi(strings.TrimSpace(getenv(EnvMaxDelay))); err == nil && ms > 0 {
		cfg.MaxDelay = time.Duration(ms) * time.Millisecond
	}
	cfg.RefreshCredential = strings.EqualFold(strings.TrimSpace(getenv(EnvAuthMode)), "double")
	cfg.sanitize()
	return cfg
}

// ParseSwitch interprets an on/off setting. Blank values yield def; "false"
// and "0" (any case) are off; anything else is on.
func ParseSwitch(value string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		return def
	case "false", "0":
		return false
	default:
		return true
	}
}

// ============================================================================
// Topics & URLs
// ============================================================================

// NormalizeTopics canonicalises topic names into a comma-joined
// subscription. Each argument may itself be comma-delimited. Names are
// trimmed, blanks dropped and duplicates removed keeping first occurrence.
func NormalizeTopics(topics ...string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range topics {
		for _, name := range strings.Split(t, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return strings.Join(out, ",")
}

// BuildURL appends the credential and optional subscription to base.
func BuildURL(base, token, topics string) string {
	params := []string{"token=" + escapeComponent(token)}
	if topics != "" {
		params = append(params, "topics="+escapeComponent(topics))
	}
	joiner := "?"
	if strings.Contains(base, "?") {
		joiner = "&"
	}
	return base + joiner + strings.Join(params, "&")
}

// escapeComponent percent-encodes s for a query value, spaces as %20.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// redactURL hides the credential in a URL built by BuildURL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

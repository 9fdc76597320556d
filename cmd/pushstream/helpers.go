package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/pushstream"
	"github.com/rs/zerolog"
)

// loggerFor builds the CLI logger. The --log-level flag wins over the file.
func loggerFor(cfg *Config) zerolog.Logger {
	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	return newLogger(level)
}

// tokenStore loads the stored login into a credential source.
func tokenStore(cfg *Config) *pushstream.TokenStore {
	tokens := pushstream.NewTokenStore(nil)
	if cfg.Auth.Token == "" {
		return tokens
	}
	info := pushstream.TokenInfo{Token: cfg.Auth.Token}
	if cfg.Auth.Expires != "" {
		if exp, err := time.Parse(time.RFC3339, cfg.Auth.Expires); err == nil {
			info.ExpiresAt = exp
		}
	}
	tokens.Set(info)
	return tokens
}

// getAPIClient creates a REST client authenticated with the stored token.
func getAPIClient(cfg *Config, tokens pushstream.CredentialSource, log zerolog.Logger) (*pushstream.Client, error) {
	if cfg.API.BaseURL == "" {
		return nil, errors.New("no API base URL. Run 'pushstream config set api.base_url <url>' first")
	}
	return pushstream.NewClient(cfg.API.BaseURL,
		pushstream.WithCredentials(tokens),
		pushstream.WithLogger(log),
	), nil
}

var channels = []pushstream.Channel{pushstream.ChannelMessage, pushstream.ChannelNotice}

func parseChannel(s string) (pushstream.Channel, error) {
	ch := pushstream.Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, c := range channels {
		if c == ch {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q (valid: message, notice)", s)
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

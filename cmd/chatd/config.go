// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jobdeck/chat/server"
)

// Config is the chatd configuration file. Loaded from the path given
// by --config, with no fallback discovery: deterministic configuration
// beats convenient configuration for a deployed service.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8480".
	Listen string `yaml:"listen"`

	// Database is the SQLite database file path. The parent directory
	// must exist.
	Database string `yaml:"database"`

	// PoolSize is the SQLite connection count. Zero uses the store
	// default.
	PoolSize int `yaml:"pool_size"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Tokens maps bearer tokens to identities. In a full deployment
	// this section is replaced by the platform's token verification;
	// static tokens cover development and small installs.
	Tokens []TokenEntry `yaml:"tokens"`
}

// TokenEntry is one static token grant.
type TokenEntry struct {
	Token    string `yaml:"token"`
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8480"
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("config %s: database is required", path)
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("config %s: at least one token is required", path)
	}
	for i, entry := range cfg.Tokens {
		if entry.Token == "" || entry.UserID == "" {
			return nil, fmt.Errorf("config %s: tokens[%d] needs token and user_id", path, i)
		}
	}
	return &cfg, nil
}

// Authenticator builds the static token table.
func (c *Config) Authenticator() server.StaticTokens {
	tokens := make(server.StaticTokens, len(c.Tokens))
	for _, entry := range c.Tokens {
		username := entry.Username
		if username == "" {
			username = entry.UserID
		}
		tokens[entry.Token] = server.Identity{UserID: entry.UserID, Username: username}
	}
	return tokens
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

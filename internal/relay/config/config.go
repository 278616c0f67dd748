// Package config loads the relay's configuration from defaults, an
// optional YAML file, and TC2_-prefixed environment variables, in that
// precedence order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the relay's runtime configuration.
type Config struct {
	ListenAddr    string `koanf:"listen_addr"`
	DatabasePath  string `koanf:"database_path"`
	SessionSecret string `koanf:"session_secret"`
	BaseURL       string `koanf:"base_url"`    // public URL, used in pairing links
	UpgradeURL    string `koanf:"upgrade_url"` // shown on tier limit hits
	PingInterval  int    `koanf:"ping_interval_seconds"`
}

var defaults = map[string]any{
	"listen_addr":           ":8080",
	"database_path":         "tc2.db",
	"base_url":              "https://cloud.49agents.dev",
	"upgrade_url":           "https://49agents.dev/upgrade",
	"ping_interval_seconds": 20,
}

// Load reads configuration. path may be empty (defaults + env only).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// TC2_LISTEN_ADDR=:9090 → listen_addr.
	err := k.Load(env.Provider("TC2_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TC2_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SessionSecret == "" {
		// Development fallback; production sets TC2_SESSION_SECRET.
		cfg.SessionSecret = os.Getenv("TC2_SESSION_SECRET")
		if cfg.SessionSecret == "" {
			cfg.SessionSecret = "dev-insecure-session-secret"
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20
	}
	return &cfg, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Store: "~/.clawroute/sessions.json",
		},
		Delivery: DeliveryConfig{
			QueuePath:     "~/.clawroute/deliveries.db",
			RatePerMinute: 0,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAWROUTE_SESSION_STORE", &c.Session.Store)
	envStr("CLAWROUTE_DM_SCOPE", &c.Session.DMScope)
	envStr("CLAWROUTE_QUEUE_PATH", &c.Delivery.QueuePath)

	// Database (secret, env only)
	envStr("CLAWROUTE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CLAWROUTE_MODE", &c.Database.Mode)

	// Telemetry
	envStr("CLAWROUTE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CLAWROUTE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CLAWROUTE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("CLAWROUTE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CLAWROUTE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("CLAWROUTE_RATE_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Delivery.RatePerMinute = n
		}
	}
	if v := os.Getenv("CLAWROUTE_REQUIRE_EXPLICIT_TARGET"); v != "" {
		c.Delivery.RequireExplicitTarget = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading ~ or ~/ with the user home directory.
// ~user paths are left untouched; only the shell resolves those.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if len(path) > 1 && path[1] != '/' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) == 1 {
		return home
	}
	return home + path[1:]
}

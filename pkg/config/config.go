// Package config loads the swiftcast bootstrap configuration.
//
// Bootstrap settings come from three layers, lowest priority first:
// built-in defaults, an optional YAML file, and SWIFTCAST_* environment
// variables. Runtime-tunable settings (proxy port, webhook toggles,
// compaction flags) live in the store's config table instead; this package
// only covers what is needed before the store is open.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPort is the proxy listen port when nothing else is configured.
const DefaultPort = 32080

// Config is the bootstrap configuration.
type Config struct {
	// Port the loopback listener binds to.
	Port int `koanf:"port"`
	// DataDir holds the sqlite database and the API-key vault.
	DataDir string `koanf:"data_dir"`
	// LogDir is the root of the per-session hook log tree.
	LogDir string `koanf:"log_dir"`
	// TasksFile is the custom-task catalog.
	TasksFile string `koanf:"tasks_file"`
	// ProvidersDir holds context-provider definitions (*.toml).
	ProvidersDir string `koanf:"providers_dir"`
	// CompactionFile is the compaction-injection config file.
	CompactionFile string `koanf:"compaction_file"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `koanf:"log_level"`
	// LogFile is an optional file path; empty logs to stderr.
	LogFile string `koanf:"log_file"`
	// WebhookURL is the notification-service base URL.
	WebhookURL string `koanf:"webhook_url"`
	// WebhookEnabled turns outbound webhooks on.
	WebhookEnabled bool `koanf:"webhook_enabled"`
}

// AppDataDir returns the platform app-data directory for swiftcast.
func AppDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "com.swiftcast.app"), nil
}

func defaults() (map[string]interface{}, error) {
	dataDir, err := AppDataDir()
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	sessioncast := filepath.Join(home, ".sessioncast")
	cfgBase, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user config dir: %w", err)
	}

	return map[string]interface{}{
		"port":            DefaultPort,
		"data_dir":        dataDir,
		"log_dir":         filepath.Join(sessioncast, "logs"),
		"tasks_file":      filepath.Join(sessioncast, "tasks.json"),
		"providers_dir":   filepath.Join(cfgBase, "swiftcast", "context_providers"),
		"compaction_file": filepath.Join(sessioncast, "compaction.json"),
		"log_level":       "info",
		"webhook_enabled": false,
	}, nil
}

// Load builds the bootstrap config. path may be empty or point to a YAML
// file; a missing file at the default location is not an error.
func Load(path string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	k := koanf.New(".")

	defs, err := defaults()
	if err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(defs, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("stat config file %s: %w", path, statErr)
		}
	}

	// SWIFTCAST_LOG_LEVEL=debug -> log_level: debug
	if err := k.Load(env.Provider("SWIFTCAST_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "SWIFTCAST_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	return &cfg, nil
}

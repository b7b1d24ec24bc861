// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"harborstackd.yaml",
	"harborstackd.yml",
	"/etc/harborstackd/config.yaml",
}

// ConfigPathEnvVar overrides the search path entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces every recognized environment variable.
const envPrefix = "HARBORSTACKD_"

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                       4566,
			Host:                       "0.0.0.0",
			PortBase:                   4570,
			Persist:                    false,
			DataDir:                    "/tmp/harborstackd",
			ShutdownTimeout:            30 * time.Second,
			EventualConsistencyDelayMs: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Watch: WatchConfig{
			Enabled: false,
			Include: []string{"**/*.template.json"},
			Exclude: []string{"**/node_modules/**"},
		},
		Queue: QueueConfig{
			DefaultVisibilityTimeout: 30 * time.Second,
			DefaultMaxReceiveCount:   3,
			PollInterval:             1 * time.Second,
			PollBackoffMax:           20 * time.Second,
		},
		Database: DatabaseConfig{
			MaxMemory: "512MB",
			Threads:   0,
		},
		NATS: NATSConfig{
			EmbeddedServer: true,
			URL:            "nats://127.0.0.1:4222",
			StoreDir:       "/tmp/harborstackd/nats",
		},
		Security: SecurityConfig{
			JWTSecret:      "",
			TokenTTL:       1 * time.Hour,
			DefaultRole:    "reader",
			AutoReload:     true,
			ReloadInterval: 30 * time.Second,
		},
		Functions: FunctionsConfig{
			DefaultTimeout:  3 * time.Second,
			KillGracePeriod: 1 * time.Second,
			BreakerMaxFails: 5,
			BreakerTimeout:  30 * time.Second,
		},
	}
}

// Load assembles the Config from defaults, an optional YAML file, and
// environment variables, in that priority order, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("config: process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists koanf paths that arrive from the environment
// as comma-separated strings but unmarshal into []string fields.
var sliceConfigPaths = []string{
	"watch.include",
	"watch.exclude",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps HARBORSTACKD_SERVER__PORT -> server.port. A
// double underscore separates nesting levels; a single underscore is
// part of the field name itself.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

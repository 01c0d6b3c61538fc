// Package config loads gateway configuration from an optional YAML file and
// GATEWAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore, e.g. GATEWAY_STORAGE__PATH.
const EnvPrefix = "GATEWAY_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Engine    EngineConfig    `koanf:"engine"`
	Auth      AuthConfig      `koanf:"auth"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Extension ExtensionConfig `koanf:"extension"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type EngineConfig struct {
	MaxWorkers int `koanf:"max_workers"`
	MaxBacklog int `koanf:"max_backlog"`
}

type AuthConfig struct {
	APIKey string `koanf:"api_key"`
}

type DeliveryConfig struct {
	Timeout              time.Duration `koanf:"timeout"`
	BlockPrivateNetworks bool          `koanf:"block_private_networks"`
}

type ExtensionConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

type TelemetryConfig struct {
	Tracing     bool   `koanf:"tracing"`
	ServiceName string `koanf:"service_name"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// SlogLevel parses Level, falling back to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

var defaults = map[string]any{
	"server.port":                     8080,
	"server.request_timeout":          "30s",
	"storage.path":                    "./data/webhook_gateway.db",
	"engine.max_workers":              4,
	"engine.max_backlog":              1024,
	"auth.api_key":                    "default_key",
	"delivery.timeout":                "30s",
	"delivery.block_private_networks": false,
	"extension.timeout":               "2s",
	"telemetry.tracing":               false,
	"telemetry.service_name":          "webhook-gateway",
	"logging.level":                   "info",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is fine), then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.APIKey = substituteEnvVars(cfg.Auth.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that the defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Engine.MaxWorkers <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_workers must be positive, got %d", c.Engine.MaxWorkers))
	}
	if c.Engine.MaxBacklog < 0 {
		errs = append(errs, fmt.Errorf("engine.max_backlog must not be negative, got %d", c.Engine.MaxBacklog))
	}
	if c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key resolved to an empty value"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	if c.Extension.Timeout <= 0 {
		errs = append(errs, errors.New("extension.timeout must be positive"))
	}
	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

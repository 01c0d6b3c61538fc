package runtime

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tjfontaine/webhook-gateway/internal/core/ports"
	"github.com/tjfontaine/webhook-gateway/internal/pkg/config"
	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for
// changes; a missing file falls back to environment variables and defaults.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		if path == "" {
			return fmt.Errorf("config path cannot be empty")
		}
		g.configPath = path
		return nil
	}
}

// WithConfig uses a fixed configuration. Nothing is watched.
func WithConfig(cfg *config.Config) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		g.static = cfg
		return nil
	}
}

// WithStoragePath overrides storage.path from the configuration.
func WithStoragePath(path string) Option {
	return func(g *Gateway) error {
		if path == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
		g.storagePath = path
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = ln
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithLogLevel lets configuration reloads adjust the level of the
// handler behind the logger.
func WithLogLevel(level *slog.LevelVar) Option {
	return func(g *Gateway) error {
		g.level = level
		return nil
	}
}

// WithMetrics sets the metrics sink. A fresh registry is created otherwise.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		if provider == nil {
			return fmt.Errorf("config provider cannot be nil")
		}
		g.config = provider
		return nil
	}
}

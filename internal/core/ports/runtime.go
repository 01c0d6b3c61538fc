// Package ports defines the interfaces the runtime accepts from outside.
package ports

import (
	"context"

	"github.com/tjfontaine/webhook-gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

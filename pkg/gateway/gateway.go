// Package gateway provides the public API for embedding the webhook gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/webhook-gateway/internal/runtime"
)

// Gateway is the main entry point for running the webhook gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithStoragePath("./data/webhook_gateway.db"),
//	)
var New = runtime.New

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = runtime.ErrAlreadyStarted

// Configuration options
var (
	// Config sources
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig

	// Advanced options
	WithConfigProvider = runtime.WithConfigProvider

	// Storage and listening
	WithStoragePath = runtime.WithStoragePath
	WithListener    = runtime.WithListener

	// Observability
	WithLogger   = runtime.WithLogger
	WithLogLevel = runtime.WithLogLevel
	WithMetrics  = runtime.WithMetrics
)

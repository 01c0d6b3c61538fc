// Package runtime provides the core Gateway struct and lifecycle management
// for the webhook gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tjfontaine/webhook-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/webhook-gateway/internal/api"
	"github.com/tjfontaine/webhook-gateway/internal/auth"
	"github.com/tjfontaine/webhook-gateway/internal/core/ports"
	"github.com/tjfontaine/webhook-gateway/internal/delivery"
	"github.com/tjfontaine/webhook-gateway/internal/dispatch"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
	"github.com/tjfontaine/webhook-gateway/internal/extension"
	"github.com/tjfontaine/webhook-gateway/internal/pipeline"
	"github.com/tjfontaine/webhook-gateway/internal/pkg/config"
	"github.com/tjfontaine/webhook-gateway/internal/query"
	"github.com/tjfontaine/webhook-gateway/internal/reference"
	"github.com/tjfontaine/webhook-gateway/internal/server"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("gateway already started")

// Gateway is the main entry point for running the webhook gateway.
// It owns the engine session, the processing pool and the HTTP server.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	configPath  string
	static      *config.Config
	storagePath string
	listener    net.Listener
	logger      *slog.Logger
	level       *slog.LevelVar
	metrics     *telemetry.Metrics

	// Internal state
	config         ports.ConfigProvider
	cfg            *config.Config
	session        *engine.Session
	pool           *dispatch.Pool
	auth           *auth.Authenticator
	server         *server.Server
	addr           net.Addr
	tracerShutdown func(context.Context) error
	serveErr       chan error

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// New creates a new Gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.configPath == "" && gw.static == nil && gw.config == nil {
		return nil, fmt.Errorf("config required (use WithFileConfig or WithConfig)")
	}
	if gw.configPath != "" && gw.config == nil {
		provider, err := file.NewProvider(gw.configPath, gw.logger)
		if err != nil {
			return nil, fmt.Errorf("create file config provider: %w", err)
		}
		gw.config = provider
	}
	if gw.metrics == nil {
		gw.metrics = telemetry.NewMetrics()
	}

	return gw, nil
}

// Start loads configuration, opens storage and begins serving. It returns
// once the listener is bound.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg := g.static
	if g.config != nil {
		var err error
		if cfg, err = g.config.Load(g.ctx); err != nil {
			g.cancel()
			return fmt.Errorf("load config: %w", err)
		}
	}
	effective := *cfg
	if g.storagePath != "" {
		effective.Storage.Path = g.storagePath
	}
	cfg = &effective
	g.cfg = cfg
	if g.level != nil {
		g.level.Set(cfg.Logging.SlogLevel())
	}

	if err := g.open(cfg); err != nil {
		g.cancel()
		g.release(context.Background())
		return err
	}

	g.started = true

	go func() {
		g.serveErr <- g.server.Serve(g.listener)
	}()

	if g.config != nil {
		go g.watchConfig()
	}

	g.logger.Info("gateway started",
		slog.String("addr", g.addr.String()),
		slog.String("storage", cfg.Storage.Path),
		slog.Int("workers", cfg.Engine.MaxWorkers),
		slog.Int("backlog", cfg.Engine.MaxBacklog))

	return nil
}

// open builds every component from cfg.
func (g *Gateway) open(cfg *config.Config) error {
	shutdown, err := telemetry.InitTracer(telemetry.TracerConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Tracing,
	}, g.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	g.tracerShutdown = shutdown

	if err := storage.Migrate(cfg.Storage.Path, g.logger); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	g.session, err = engine.Open(cfg.Storage.Path,
		engine.WithLogger(g.logger),
		engine.WithMetrics(g.metrics))
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	gate := engine.NewGate(g.session, engine.WithGateMetrics(g.metrics))

	store := storage.New(gate)
	functions := extension.NewRegistry(gate,
		extension.WithTimeout(cfg.Extension.Timeout),
		extension.WithLogger(g.logger))

	g.pool = dispatch.NewPool(cfg.Engine.MaxWorkers,
		dispatch.WithBacklog(cfg.Engine.MaxBacklog),
		dispatch.WithLogger(g.logger),
		dispatch.WithMetrics(g.metrics))

	forwarder := delivery.NewForwarder(
		delivery.WithTimeout(cfg.Delivery.Timeout),
		delivery.WithBlockPrivateNetworks(cfg.Delivery.BlockPrivateNetworks),
		delivery.WithLogger(g.logger),
		delivery.WithMetrics(g.metrics))

	processor := pipeline.NewProcessor(pipeline.Config{
		Store:       store,
		Functions:   functions,
		Filter:      query.NewFilter(gate),
		Transformer: query.NewTransformer(gate, g.logger),
		Deliverer:   forwarder,
		Pool:        g.pool,
		Logger:      g.logger,
		Metrics:     g.metrics,
	})

	g.auth = auth.NewAuthenticator(cfg.Auth.APIKey)
	if cfg.Auth.APIKey == "default_key" {
		g.logger.Warn("using the default API key; set auth.api_key or GATEWAY_AUTH__API_KEY")
	}

	g.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         g.logger,
	})
	api.New(api.Config{
		Store:         store,
		Processor:     processor,
		Functions:     functions,
		References:    reference.NewStore(gate, g.logger),
		Console:       query.NewConsole(gate),
		Authenticator: g.auth,
		Metrics:       g.metrics,
		Logger:        g.logger,
	}).Mount(g.server.Router)

	if g.listener == nil {
		g.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
		}
	}
	g.addr = g.listener.Addr()
	g.serveErr = make(chan error, 1)

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Metrics returns the gateway's metrics sink.
func (g *Gateway) Metrics() *telemetry.Metrics {
	return g.metrics
}

// Shutdown gracefully stops the gateway: the server stops accepting
// requests, scheduled processing drains, then storage is closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return nil
	}
	g.started = false

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := <-g.serveErr; err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}

	errs = append(errs, g.release(ctx)...)

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// release closes whatever open managed to create.
func (g *Gateway) release(ctx context.Context) []error {
	var errs []error

	if g.pool != nil {
		if err := g.pool.Shutdown(ctx); err != nil {
			g.logger.Error("failed to drain processing pool", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.session != nil {
		if err := g.session.Close(); err != nil {
			g.logger.Error("failed to close engine", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	if g.tracerShutdown != nil {
		if err := g.tracerShutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	return errs
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		g.reload(newCfg)
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the settings that can change at runtime: the API key and
// the log level. Everything else needs a restart.
func (g *Gateway) reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.auth == nil {
		return
	}

	g.auth.SetKey(cfg.Auth.APIKey)
	if g.level != nil {
		g.level.Set(cfg.Logging.SlogLevel())
	}

	if cfg.Server != g.cfg.Server || cfg.Engine != g.cfg.Engine ||
		cfg.Delivery != g.cfg.Delivery || cfg.Extension != g.cfg.Extension ||
		(g.storagePath == "" && cfg.Storage != g.cfg.Storage) {
		g.logger.Warn("config changes other than auth and logging take effect on restart")
	}
	g.cfg.Auth = cfg.Auth
	g.cfg.Logging = cfg.Logging

	g.logger.Info("reload complete", slog.String("log_level", cfg.Logging.SlogLevel().String()))
}

package extension

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
	"github.com/tjfontaine/webhook-gateway/internal/storage"
)

// Registry registers extension functions with the engine and keeps them
// persisted so they can be restored before an endpoint's queries run.
type Registry struct {
	gate    *engine.Gate
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex
	// loaded maps engine names to the source currently bound.
	loaded map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-call execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry on top of the gated engine.
func NewRegistry(gate *engine.Gate, opts ...Option) *Registry {
	r := &Registry{
		gate:    gate,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		loaded:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register compiles source, binds the function called name under the
// endpoint's namespace and persists it. Registering the same name again
// replaces the previous definition.
func (r *Registry) Register(ctx context.Context, endpointID, name, source string) (*domain.ExtensionFunction, error) {
	name = strings.TrimSpace(name)
	if endpointID == "" {
		return nil, domain.Invalid("webhook_id is required")
	}
	if !ValidName(name) {
		return nil, domain.Invalid("function_name %q must be an identifier", name)
	}

	returnType := MapReturnType(DeclaredReturnType(source, name))
	callable, err := Compile(name, source, returnType, r.timeout)
	if err != nil {
		return nil, err
	}

	fn := &domain.ExtensionFunction{
		EndpointID: endpointID,
		Name:       name,
		EngineName: domain.ExtensionEngineName(endpointID, name),
		Source:     source,
		ReturnType: returnType,
	}

	err = r.gate.Do(ctx, "register_function", func(ctx context.Context, s *engine.Session) error {
		if err := s.ReplaceFunction(fn.EngineName, callable.Call); err != nil {
			return err
		}
		if err := storage.SaveExtensionFunction(ctx, s.DB(), fn); err != nil {
			// Unbind so the next load restores whatever is persisted.
			s.RemoveFunction(fn.EngineName)
			r.forget(fn.EngineName)
			return err
		}
		r.markLoaded(fn.EngineName, source)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("extension function registered",
		slog.String("webhook_id", endpointID),
		slog.String("function", fn.EngineName),
		slog.String("return_type", returnType))
	return fn, nil
}

// LoadForEndpoint binds every persisted function of the endpoint. Functions
// already bound with the same source are left alone; failures are logged and
// skipped. It returns the number of functions available.
func (r *Registry) LoadForEndpoint(ctx context.Context, endpointID string) (int, error) {
	available := 0
	err := r.gate.Do(ctx, "load_functions", func(ctx context.Context, s *engine.Session) error {
		fns, err := storage.ExtensionFunctions(ctx, s.DB(), endpointID)
		if err != nil {
			return err
		}

		for _, fn := range fns {
			if r.isLoaded(fn.EngineName, fn.Source) {
				available++
				continue
			}

			callable, err := Compile(fn.Name, fn.Source, fn.ReturnType, r.timeout)
			if err != nil {
				r.logger.Error("skipping extension function",
					slog.String("function", fn.EngineName),
					slog.String("error", err.Error()))
				continue
			}
			if err := s.ReplaceFunction(fn.EngineName, callable.Call); err != nil {
				r.logger.Error("skipping extension function",
					slog.String("function", fn.EngineName),
					slog.String("error", err.Error()))
				continue
			}
			r.markLoaded(fn.EngineName, fn.Source)
			available++
		}
		return nil
	})
	return available, err
}

// DeleteForEndpoint unbinds and forgets every function of the endpoint.
func (r *Registry) DeleteForEndpoint(ctx context.Context, endpointID string) error {
	return r.gate.Do(ctx, "delete_functions", func(ctx context.Context, s *engine.Session) error {
		fns, err := storage.ExtensionFunctions(ctx, s.DB(), endpointID)
		if err != nil {
			return err
		}
		for _, fn := range fns {
			s.RemoveFunction(fn.EngineName)
			r.forget(fn.EngineName)
		}
		return storage.DeleteExtensionFunctions(ctx, s.DB(), endpointID)
	})
}

func (r *Registry) isLoaded(engineName, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	loaded, ok := r.loaded[engineName]
	return ok && loaded == source
}

func (r *Registry) markLoaded(engineName, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded[engineName] = source
}

func (r *Registry) forget(engineName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, engineName)
}

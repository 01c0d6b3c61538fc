package engine

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"modernc.org/sqlite"
)

// ScalarFunc is the implementation behind an engine scalar function.
// Arguments are engine values (int64, float64, string, []byte or nil) and the
// result must be one of those as well.
type ScalarFunc func(args ...driver.Value) (driver.Value, error)

// functionRegistry tracks names registered with the driver. The driver keeps
// scalar functions process-wide, binds them only when a connection opens and
// refuses to register a name twice, so every name is registered exactly once
// with a trampoline that resolves the current implementation here.
type functionRegistry struct {
	mu sync.RWMutex
	// generation increments on every driver registration.
	generation uint64
	// registered maps a name to the generation it was registered at.
	registered map[string]uint64
	impls      map[string]ScalarFunc
}

var functions = &functionRegistry{
	registered: make(map[string]uint64),
	impls:      make(map[string]ScalarFunc),
}

func (r *functionRegistry) current() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// define stores fn under name and returns the generation at which the driver
// learned the name, registering it first when needed.
func (r *functionRegistry) define(name string, fn ScalarFunc) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.impls[name] = fn
	if gen, ok := r.registered[name]; ok {
		return gen, nil
	}

	err := sqlite.RegisterScalarFunction(name, -1, r.trampoline(name))
	if err != nil && !isDuplicateFunction(err) {
		delete(r.impls, name)
		return 0, fmt.Errorf("register function %s: %w", name, err)
	}

	// A duplicate means the driver already knows the name from outside this
	// registry; treat it as new so callers reopen and bind it.
	r.generation++
	r.registered[name] = r.generation
	return r.generation, nil
}

func (r *functionRegistry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.impls, name)
}

func (r *functionRegistry) lookup(name string) ScalarFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.impls[name]
}

func (r *functionRegistry) trampoline(name string) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		fn := r.lookup(name)
		if fn == nil {
			return nil, fmt.Errorf("function %s is not defined", name)
		}
		return fn(args...)
	}
}

func isDuplicateFunction(err error) bool {
	return strings.Contains(err.Error(), "already registered")
}

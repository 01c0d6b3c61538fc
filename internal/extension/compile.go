package extension

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

// DefaultTimeout bounds a single call of an extension function.
const DefaultTimeout = 2 * time.Second

// ErrTimeout is returned when a call exceeds its execution timeout.
var ErrTimeout = errors.New("extension function timed out")

// Callable is a compiled extension function bound to its own isolated
// runtime. Calls are serialized because a goja runtime is single-threaded.
type Callable struct {
	name       string
	returnType string
	timeout    time.Duration

	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// Compile compiles source in a fresh runtime without host bindings, runs it
// and looks up the function called name. The result is coerced to
// returnType on every call.
func Compile(name, source, returnType string, timeout time.Duration) (*Callable, error) {
	if !ValidName(name) {
		return nil, domain.NewError(domain.ErrorTypeExtension, fmt.Sprintf("invalid function name %q", name))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorTypeExtension, "failed to compile function code", err)
	}

	vm := goja.New()
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("execution timeout")
	})
	_, err = vm.RunProgram(program)
	timer.Stop()
	vm.ClearInterrupt()
	if err != nil {
		return nil, domain.WrapError(domain.ErrorTypeExtension, "failed to evaluate function code", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return nil, domain.NewError(domain.ErrorTypeExtension, fmt.Sprintf("function %s not found in code", name))
	}

	return &Callable{
		name:       name,
		returnType: returnType,
		timeout:    timeout,
		vm:         vm,
		fn:         fn,
	}, nil
}

// Call invokes the function with engine values and returns an engine value.
// It satisfies engine.ScalarFunc.
func (c *Callable) Call(args ...driver.Value) (driver.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := make([]goja.Value, len(args))
	for i, a := range args {
		if b, ok := a.([]byte); ok {
			a = string(b)
		}
		params[i] = c.vm.ToValue(a)
	}

	timer := time.AfterFunc(c.timeout, func() {
		c.vm.Interrupt("execution timeout")
	})
	res, err := c.fn(goja.Undefined(), params...)
	timer.Stop()
	c.vm.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("%s: %w", c.name, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}
	return coerce(res, c.returnType)
}

var _ engine.ScalarFunc = (*Callable)(nil).Call

func coerce(v goja.Value, returnType string) (driver.Value, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	exported := v.Export()
	switch returnType {
	case TypeInteger:
		switch x := exported.(type) {
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
				return i, nil
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to INTEGER", x)
			}
			return int64(f), nil
		default:
			f := v.ToFloat()
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, nil
			}
			return int64(f), nil
		}
	case TypeDouble:
		if s, ok := exported.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to DOUBLE", s)
			}
			return f, nil
		}
		return v.ToFloat(), nil
	case TypeBoolean:
		if v.ToBoolean() {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		switch x := exported.(type) {
		case string:
			return x, nil
		case map[string]any, []any:
			data, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("cannot encode result: %w", err)
			}
			return string(data), nil
		default:
			return v.String(), nil
		}
	}
}

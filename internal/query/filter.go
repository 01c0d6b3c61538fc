package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/engine"
)

// Filter decides whether a payload passes an endpoint's filter predicate.
type Filter struct {
	gate *engine.Gate
}

// NewFilter creates a filter evaluator.
func NewFilter(gate *engine.Gate) *Filter {
	return &Filter{gate: gate}
}

// Passes reports whether at least one payload row satisfies predicate. A nil
// or blank predicate passes without touching the engine.
func (f *Filter) Passes(ctx context.Context, predicate *string, payload any) (bool, error) {
	if predicate == nil || strings.TrimSpace(*predicate) == "" {
		return true, nil
	}

	var count int64
	err := f.gate.Do(ctx, "filter", func(ctx context.Context, s *engine.Session) error {
		return engine.WithEphemeralRelation(ctx, s, payload, func(rel engine.Relation) error {
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", rel.Name, *predicate)
			return s.GetContext(ctx, &count, q)
		})
	})
	if err != nil {
		return false, executionError("filter query failed", err)
	}
	return count > 0, nil
}

func executionError(msg string, err error) error {
	if errors.Is(err, engine.ErrUnsupportedPayload) {
		return domain.WrapError(domain.ErrorTypeInvalidRequest, msg, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.WrapError(domain.ErrorTypeExecution, msg, err)
}

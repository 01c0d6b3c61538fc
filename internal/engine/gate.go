package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// Gate serializes every interaction with a Session. Acquisition honours
// context cancellation, and operations are linearized in acquisition order.
// Do must not be called from inside another Do on the same gate.
type Gate struct {
	session *Session
	sem     *semaphore.Weighted
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateMetrics sets the metrics sink used for wait times.
func WithGateMetrics(m *telemetry.Metrics) GateOption {
	return func(g *Gate) {
		g.metrics = m
	}
}

// NewGate creates the gate guarding s.
func NewGate(s *Session, opts ...GateOption) *Gate {
	g := &Gate{
		session: s,
		sem:     semaphore.NewWeighted(1),
		tracer:  telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Session returns the guarded session.
func (g *Gate) Session() *Session {
	return g.session
}

// Do runs fn with exclusive access to the session. op names the operation
// for tracing and metrics. A panic in fn releases the gate before it
// propagates.
func (g *Gate) Do(ctx context.Context, op string, fn func(ctx context.Context, s *Session) error) (err error) {
	ctx, span := g.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attribute.String("engine.op", op)))
	defer span.End()

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "gate acquire cancelled")
		return fmt.Errorf("acquire engine gate for %s: %w", op, err)
	}
	defer g.sem.Release(1)

	wait := time.Since(start)
	g.metrics.GateWait(op, wait)
	span.SetAttributes(attribute.Int64("engine.gate_wait_us", wait.Microseconds()))

	defer func() {
		g.metrics.EngineOp(op, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	return fn(ctx, g.session)
}

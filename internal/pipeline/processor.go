package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/webhook-gateway/internal/core/domain"
	"github.com/tjfontaine/webhook-gateway/internal/delivery"
	"github.com/tjfontaine/webhook-gateway/internal/dispatch"
	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// EventStore is the slice of the audit log the processor needs.
type EventStore interface {
	GetEndpointByPath(ctx context.Context, path string) (*domain.Endpoint, error)
	InsertRawEvent(ctx context.Context, ev *domain.RawEvent) error
	InsertTransformedEvent(ctx context.Context, ev *domain.TransformedEvent) error
}

// FunctionLoader makes an endpoint's extension functions callable.
type FunctionLoader interface {
	LoadForEndpoint(ctx context.Context, endpointID string) (int, error)
}

// Filter evaluates filter predicates.
type Filter interface {
	Passes(ctx context.Context, predicate *string, payload any) (bool, error)
}

// Transformer evaluates transform queries.
type Transformer interface {
	Transform(ctx context.Context, transformQuery string, payload any) (map[string]any, error)
}

// Submitter schedules background units.
type Submitter interface {
	Submit(unit dispatch.Unit) error
}

// Processor accepts inbound calls and drives them to a terminal outcome.
type Processor struct {
	store     EventStore
	functions FunctionLoader
	filter    Filter
	transform Transformer
	deliverer delivery.Deliverer
	pool      Submitter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// Config holds the processor's collaborators.
type Config struct {
	Store       EventStore
	Functions   FunctionLoader
	Filter      Filter
	Transformer Transformer
	Deliverer   delivery.Deliverer
	Pool        Submitter
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     cfg.Store,
		functions: cfg.Functions,
		filter:    cfg.Filter,
		transform: cfg.Transformer,
		deliverer: cfg.Deliverer,
		pool:      cfg.Pool,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Accept records an inbound call on path and schedules its processing. It
// returns a not_found error for unknown or inactive paths and an
// invalid_request error when body is not JSON.
func (p *Processor) Accept(ctx context.Context, path string, body []byte) (*domain.RawEvent, error) {
	ep, err := p.store.GetEndpointByPath(ctx, domain.NormalizePath(path))
	if err != nil {
		if domain.IsType(err, domain.ErrorTypeNotFound) {
			p.metrics.EventReceived("not_found")
			return nil, domain.NotFound("Webhook path not found")
		}
		return nil, err
	}
	if !ep.Active() {
		p.metrics.EventReceived("not_found")
		return nil, domain.NotFound("Webhook path not found")
	}

	if !json.Valid(body) {
		p.metrics.EventReceived("invalid")
		return nil, domain.Invalid("Invalid JSON payload")
	}

	ev := &domain.RawEvent{Path: ep.Path, Payload: append([]byte(nil), body...)}
	if err := p.store.InsertRawEvent(ctx, ev); err != nil {
		return nil, err
	}
	p.metrics.EventReceived("accepted")

	endpoint, raw := *ep, *ev
	if err := p.pool.Submit(func(ctx context.Context) {
		p.Process(ctx, endpoint, raw)
	}); err != nil {
		p.fail(ctx, p.logger.With(slog.String("event_id", ev.ID)), endpoint, raw,
			fmt.Errorf("not scheduled: %w", err))
		return nil, fmt.Errorf("failed to schedule processing: %w", err)
	}
	return ev, nil
}

// Process drives one raw event to its terminal outcome and records it.
// Errors never escape; they end in a processing_error audit record.
func (p *Processor) Process(ctx context.Context, ep domain.Endpoint, ev domain.RawEvent) (outcome domain.Outcome) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("webhook.id", ep.ID),
			attribute.String("event.id", ev.ID),
		))
	defer span.End()

	logger := p.logger.With(
		slog.String("event_id", ev.ID),
		slog.String("webhook_id", ep.ID),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("event processing panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			outcome = p.fail(ctx, logger, ep, ev, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		p.metrics.Outcome(string(outcome))
	}()

	payload := json.RawMessage(ev.Payload)

	if _, err := p.functions.LoadForEndpoint(ctx, ep.ID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, logger, ep, ev, err)
	}

	passes, err := p.filter.Passes(ctx, ep.FilterQuery, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, logger, ep, ev, err)
	}
	if !passes {
		body := domain.FilteredOutBody
		p.record(ctx, logger, &domain.TransformedEvent{
			RawEventID:     ev.ID,
			EndpointID:     ep.ID,
			DestinationURL: ep.DestinationURL,
			ResponseBody:   &body,
		})
		logger.Info("event filtered out")
		return domain.OutcomeFilteredOut
	}

	result, err := p.transform.Transform(ctx, ep.TransformQuery, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, logger, ep, ev, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return p.fail(ctx, logger, ep, ev, fmt.Errorf("failed to encode transformed payload: %w", err))
	}

	res := p.deliverer.Deliver(ctx, ep.DestinationURL, result)
	body := res.Body
	p.record(ctx, logger, &domain.TransformedEvent{
		RawEventID:     ev.ID,
		EndpointID:     ep.ID,
		Payload:        encoded,
		DestinationURL: ep.DestinationURL,
		Success:        res.Success,
		ResponseCode:   res.StatusCode,
		ResponseBody:   &body,
	})

	if !res.Delivered() {
		return domain.OutcomeDeliveryFailed
	}
	logger.Info("event delivered",
		slog.Int("status", *res.StatusCode),
		slog.Bool("success", res.Success))
	return domain.OutcomeDelivered
}

func (p *Processor) fail(ctx context.Context, logger *slog.Logger, ep domain.Endpoint, ev domain.RawEvent, cause error) domain.Outcome {
	logger.Error("event processing failed", slog.String("error", cause.Error()))
	body := "Error: " + cause.Error()
	p.record(ctx, logger, &domain.TransformedEvent{
		RawEventID:     ev.ID,
		EndpointID:     ep.ID,
		DestinationURL: ep.DestinationURL,
		ResponseBody:   &body,
	})
	return domain.OutcomeProcessingError
}

// record writes the audit record. A failure here is logged and dropped; there
// is nowhere left to report it.
func (p *Processor) record(ctx context.Context, logger *slog.Logger, ev *domain.TransformedEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recording transformed event panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := p.store.InsertTransformedEvent(ctx, ev); err != nil {
		logger.Error("failed to record transformed event", slog.String("error", err.Error()))
	}
}

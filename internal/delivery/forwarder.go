// Package delivery forwards transformed records to their destinations and
// classifies the outcome for the audit log.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/webhook-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/webhook-gateway/internal/telemetry"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 30 * time.Second

// maxResponseBody caps how much of a destination's answer is kept.
const maxResponseBody = 1 << 20

// Outcome classes reported to metrics.
const (
	ClassSuccess    = "success"
	ClassHTTPError  = "http_error"
	ClassConnection = "connection"
	ClassTimeout    = "timeout"
	ClassError      = "error"
)

// Result is the outcome of one delivery attempt. StatusCode is nil when the
// destination never answered.
type Result struct {
	Success    bool
	StatusCode *int
	Body       string
	Class      string
	Err        error
}

// Delivered reports whether the destination answered at all.
func (r Result) Delivered() bool {
	return r.StatusCode != nil
}

// Deliverer sends a payload to a destination URL.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload any) Result
}

// Forwarder POSTs JSON payloads. It is safe for concurrent use.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Forwarder.
type Option func(*forwarderOptions)

type forwarderOptions struct {
	timeout      time.Duration
	blockPrivate bool
	transport    http.RoundTripper
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *forwarderOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBlockPrivateNetworks refuses destinations that resolve to loopback,
// private or link-local addresses.
func WithBlockPrivateNetworks(block bool) Option {
	return func(o *forwarderOptions) {
		o.blockPrivate = block
	}
}

// WithTransport replaces the base transport. Used by tests to replay
// recorded interactions.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *forwarderOptions) {
		o.transport = rt
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *forwarderOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *forwarderOptions) {
		o.metrics = m
	}
}

// NewForwarder creates a Forwarder.
func NewForwarder(opts ...Option) *Forwarder {
	o := forwarderOptions{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		base = safehttp.NewTransport(o.timeout, o.blockPrivate)
	}

	return &Forwarder{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base),
			Timeout:   o.timeout,
		},
		timeout: o.timeout,
		logger:  o.logger,
		metrics: o.metrics,
	}
}

// Deliver POSTs payload as JSON to url. It never returns an error; failures
// are carried in the Result.
func (f *Forwarder) Deliver(ctx context.Context, url string, payload any) Result {
	start := time.Now()
	res := f.deliver(ctx, url, payload)
	f.metrics.Delivery(res.Class, time.Since(start))

	if res.Err != nil {
		f.logger.Warn("delivery failed",
			slog.String("destination", url),
			slog.String("class", res.Class),
			slog.String("error", res.Err.Error()),
		)
	} else {
		f.logger.Debug("delivery completed",
			slog.String("destination", url),
			slog.Int("status", *res.StatusCode),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return res
}

func (f *Forwarder) deliver(ctx context.Context, url string, payload any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(fmt.Errorf("failed to encode payload: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return failure(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return failure(fmt.Errorf("failed to read response: %w", err))
	}

	code := resp.StatusCode
	res := Result{
		Success:    code >= 200 && code < 300,
		StatusCode: &code,
		Body:       string(respBody),
		Class:      ClassSuccess,
	}
	if !res.Success {
		res.Class = ClassHTTPError
	}
	return res
}

// failure classifies a transport error. The body strings are what the audit
// log records for deliveries that never got an answer.
func failure(err error) Result {
	switch {
	case isTimeout(err):
		return Result{Body: "Timeout error: " + err.Error(), Class: ClassTimeout, Err: err}
	case isConnection(err):
		return Result{Body: "Connection error: " + err.Error(), Class: ClassConnection, Err: err}
	default:
		return Result{Body: err.Error(), Class: ClassError, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnection(err error) bool {
	if errors.Is(err, safehttp.ErrPrivateAddress) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

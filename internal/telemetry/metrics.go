package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	eventsReceived   *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	gateWait         *prometheus.HistogramVec
	engineOps        *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	reopens          prometheus.Counter
	poolInFlight     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, together with the
// Go and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webhook_gateway",
			Name:      "events_received_total",
			Help:      "Inbound webhook calls by ingestion result",
		}, []string{"result"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webhook_gateway",
			Name:      "event_outcomes_total",
			Help:      "Terminal processing outcomes of raw events",
		}, []string{"outcome"}),

		gateWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webhook_gateway",
			Subsystem: "engine",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for the engine gate",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),

		engineOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webhook_gateway",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Gated engine operations by op and status",
		}, []string{"op", "status"}),

		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webhook_gateway",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Outbound delivery latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class"}),

		reopens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webhook_gateway",
			Subsystem: "engine",
			Name:      "session_reopens_total",
			Help:      "Engine session reopens caused by new extension functions",
		}),

		poolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webhook_gateway",
			Subsystem: "pool",
			Name:      "in_flight",
			Help:      "Background processing units currently running",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsReceived,
		m.outcomes,
		m.gateWait,
		m.engineOps,
		m.deliveryDuration,
		m.reopens,
		m.poolInFlight,
	)
	return m
}

// EventReceived counts an inbound call; result is accepted, not_found or invalid.
func (m *Metrics) EventReceived(result string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(result).Inc()
}

// Outcome counts a terminal processing outcome.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// GateWait observes how long op waited for the engine gate.
func (m *Metrics) GateWait(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.WithLabelValues(op).Observe(d.Seconds())
}

// EngineOp counts a finished gated operation.
func (m *Metrics) EngineOp(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.engineOps.WithLabelValues(op, status).Inc()
}

// Delivery observes the latency of one delivery attempt.
func (m *Metrics) Delivery(class string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.WithLabelValues(class).Observe(d.Seconds())
}

// SessionReopened counts an engine reopen.
func (m *Metrics) SessionReopened() {
	if m == nil {
		return
	}
	m.reopens.Inc()
}

// PoolInFlight adjusts the running unit gauge by delta.
func (m *Metrics) PoolInFlight(delta float64) {
	if m == nil {
		return
	}
	m.poolInFlight.Add(delta)
}

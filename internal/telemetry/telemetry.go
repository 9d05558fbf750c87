// Package telemetry exposes the engine's operational metrics and health
// endpoints. Grounded on the teacher's internal/telemetry.Server
// (NewServer/Start/Shutdown/SetReady and its /metrics, /healthz, /readyz
// mux), with the teacher's hand-rolled text-exposition builder replaced by
// github.com/prometheus/client_golang's CounterVec/GaugeVec/HistogramVec and
// promhttp.HandlerFor, in the style of chidi150c-coinbase's metrics.go.
package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge, and histogram the engine records,
// bound to its own registry rather than the global default so multiple
// Coordinators (e.g. under test) never collide on metric registration.
type Metrics struct {
	registry *prometheus.Registry

	ordersTotal       *prometheus.CounterVec
	orderErrorsTotal  *prometheus.CounterVec
	signalsTotal      *prometheus.CounterVec
	openPositions     prometheus.Gauge
	cooldownActive    prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
	apiLatency        *prometheus.HistogramVec
	rateLimitWait     prometheus.Histogram
	websocketReconnects prometheus.Counter
}

// NewMetrics constructs a Metrics bound to a fresh, private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envelope_orders_total",
			Help: "Total orders submitted, by instrument, side, and intent kind.",
		}, []string{"instrument", "side", "kind"}),
		orderErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envelope_order_errors_total",
			Help: "Total order submission failures, by instrument.",
		}, []string{"instrument"}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envelope_signals_total",
			Help: "Total signal intents generated, by kind.",
		}, []string{"kind"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envelope_open_positions",
			Help: "Current count of open or stop-loss-active positions.",
		}),
		cooldownActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envelope_risk_cooldown_active",
			Help: "1 while the risk guard is in a post-failure cooldown window, 0 otherwise.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "envelope_queue_depth",
			Help: "Current depth of internal queues, by queue name.",
		}, []string{"queue"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "envelope_api_request_duration_seconds",
			Help:    "Broker API request latency, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "envelope_rate_limit_wait_seconds",
			Help:    "Time spent blocked on the sliding-window rate limiter before dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
		websocketReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envelope_realtime_reconnects_total",
			Help: "Total realtime feed reconnect events.",
		}),
	}

	m.registry.MustRegister(
		m.ordersTotal,
		m.orderErrorsTotal,
		m.signalsTotal,
		m.openPositions,
		m.cooldownActive,
		m.queueDepth,
		m.apiLatency,
		m.rateLimitWait,
		m.websocketReconnects,
	)

	return m
}

func (m *Metrics) RecordOrder(instrument, side, kind string) {
	m.ordersTotal.WithLabelValues(instrument, side, kind).Inc()
}

func (m *Metrics) RecordOrderError(instrument string) {
	m.orderErrorsTotal.WithLabelValues(instrument).Inc()
}

func (m *Metrics) RecordSignal(kind string) {
	m.signalsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	m.openPositions.Set(float64(n))
}

func (m *Metrics) SetCooldownActive(active bool) {
	if active {
		m.cooldownActive.Set(1)
		return
	}
	m.cooldownActive.Set(0)
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) ObserveAPILatency(endpoint string, d time.Duration) {
	m.apiLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	m.rateLimitWait.Observe(d.Seconds())
}

func (m *Metrics) RecordRealtimeReconnect() {
	m.websocketReconnects.Inc()
}

// Server exposes a Metrics registry and liveness/readiness endpoints over
// HTTP, mirroring the teacher's Server shape (NewServer/Start/Shutdown/
// SetReady) but delegating /metrics to promhttp instead of hand-building
// the exposition text.
type Server struct {
	srv        *http.Server
	readyState atomic.Bool
}

// NewServer creates a telemetry HTTP server bound to addr. Returns nil if
// addr is empty, matching the teacher's "telemetry is optional" convention.
func NewServer(addr string, metrics *Metrics) *Server {
	if addr == "" {
		return nil
	}

	server := &Server{}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if server.readyState.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	server.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return server
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	if s == nil || s.srv == nil {
		return nil
	}
	go func() {
		_ = s.srv.ListenAndServe()
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// SetReady updates the readiness state exposed on /readyz.
func (s *Server) SetReady(ready bool) {
	if s == nil {
		return
	}
	s.readyState.Store(ready)
}

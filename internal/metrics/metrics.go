// Package metrics provides Prometheus instrumentation for the feature cache,
// the edge transports and the diagnostics server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only featurehub metrics appear on the /metrics endpoint.
// Every recording method is safe to call on a nil *Metrics, which lets SDK
// components run uninstrumented without nil checks at each call site.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by featurehub.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	PollRequestsTotal   *prometheus.CounterVec
	PollDuration        *prometheus.HistogramVec
	StreamConnects      *prometheus.CounterVec
	StreamEvents        *prometheus.CounterVec
	ActiveStreams       prometheus.Gauge
	BreakerOpen         prometheus.Gauge
	FeatureUpdatesTotal *prometheus.CounterVec
	CachedFeatures      prometheus.Gauge
	RepositoryReady     prometheus.Gauge
}

// New creates and registers all featurehub metrics in a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers all featurehub metrics in reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_http_requests_total",
			Help: "Total number of diagnostics HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featurehub_http_request_duration_seconds",
			Help:    "Diagnostics HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featurehub_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		PollRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_poll_requests_total",
			Help: "Total number of edge poll requests by response status.",
		}, []string{"status"}),

		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "featurehub_poll_duration_seconds",
			Help:    "Edge poll round-trip latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),

		StreamConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_stream_connects_total",
			Help: "Total number of edge stream connection attempts by result.",
		}, []string{"result"}),

		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_stream_events_total",
			Help: "Total number of edge stream events received by type.",
		}, []string{"event"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featurehub_active_streams",
			Help: "Number of open edge stream connections.",
		}),

		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featurehub_poll_breaker_open",
			Help: "1 while the poll circuit breaker is open, else 0.",
		}),

		FeatureUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "featurehub_feature_updates_total",
			Help: "Total number of inbound feature updates by outcome.",
		}, []string{"result"}),

		CachedFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featurehub_cached_features",
			Help: "Number of features currently held in the repository.",
		}),

		RepositoryReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "featurehub_repository_ready",
			Help: "1 when the feature repository is ready, else 0.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.PollRequestsTotal,
		m.PollDuration,
		m.StreamConnects,
		m.StreamEvents,
		m.ActiveStreams,
		m.BreakerOpen,
		m.FeatureUpdatesTotal,
		m.CachedFeatures,
		m.RepositoryReady,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count and latency, used by the health Watch stream.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one diagnostics request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// ObservePoll records one edge poll. status is the HTTP status code, or
// "error" when no response was received.
func (m *Metrics) ObservePoll(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PollRequestsTotal.WithLabelValues(status).Inc()
	m.PollDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordStreamConnect increments the stream connection counter.
func (m *Metrics) RecordStreamConnect(result string) {
	if m == nil {
		return
	}
	m.StreamConnects.WithLabelValues(result).Inc()
}

// RecordStreamEvent increments the stream event counter.
func (m *Metrics) RecordStreamEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(event).Inc()
}

// SetStreamConnected moves the active stream gauge.
func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ActiveStreams.Inc()
	} else {
		m.ActiveStreams.Dec()
	}
}

// SetBreakerOpen updates the poll breaker gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	m.BreakerOpen.Set(boolGauge(open))
}

// RecordFeatureUpdate increments the feature update counter.
func (m *Metrics) RecordFeatureUpdate(result string) {
	if m == nil {
		return
	}
	m.FeatureUpdatesTotal.WithLabelValues(result).Inc()
}

// SetCachedFeatures updates the cached feature gauge.
func (m *Metrics) SetCachedFeatures(n int) {
	if m == nil {
		return
	}
	m.CachedFeatures.Set(float64(n))
}

// SetReady updates the repository ready gauge.
func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	m.RepositoryReady.Set(boolGauge(ready))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

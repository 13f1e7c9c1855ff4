// Package metrics provides Prometheus instrumentation for the flagkit client.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that embedding applications decide where they are exposed.
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

	"github.com/matt-riley/flagkit/internal/lifecycle"
)

// Metrics holds all Prometheus collectors used by the flagkit client.
type Metrics struct {
	Registry *prometheus.Registry

	InitAttemptsTotal      *prometheus.CounterVec
	InitState              prometheus.Gauge
	EvaluationsTotal       *prometheus.CounterVec
	EvaluationDuration     prometheus.Histogram
	DecisionCacheSize      prometheus.Gauge
	EventsTotal            *prometheus.CounterVec
	AttributesTotal        *prometheus.CounterVec
	SettingsLoadsTotal     *prometheus.CounterVec
	BackendRequestsTotal   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
	EventsQueuedTotal      prometheus.Counter
	BatchUploadsTotal      *prometheus.CounterVec
	BatchEventsTotal       prometheus.Counter
}

// New creates and registers all flagkit metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		InitAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_init_attempts_total",
			Help: "Total number of finished initialization attempts.",
		}, []string{"result"}),

		InitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_init_state",
			Help: "Initialization state: 0 uninitialized, 1 initializing, 2 ready, 3 failed.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagkit_evaluation_duration_seconds",
			Help:    "Decision engine latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		DecisionCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_decision_cache_size",
			Help: "Number of flag decisions held in the cache.",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_events_tracked_total",
			Help: "Total number of tracked events per delivery target.",
		}, []string{"target", "result"}),

		AttributesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_attributes_total",
			Help: "Total number of attribute updates.",
		}, []string{"result"}),

		SettingsLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_settings_loads_total",
			Help: "Total number of settings loads by source.",
		}, []string{"source"}),

		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_backend_requests_total",
			Help: "Total number of requests sent to the backend.",
		}, []string{"transport", "method", "status"}),

		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagkit_backend_request_duration_seconds",
			Help:    "Backend request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "method", "status"}),

		EventsQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_events_queued_total",
			Help: "Total number of events queued for batch upload after a failed delivery.",
		}),

		BatchUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_batch_uploads_total",
			Help: "Total number of queued event batch uploads.",
		}, []string{"result"}),

		BatchEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_batch_uploaded_events_total",
			Help: "Total number of queued events accepted by batch uploads.",
		}),
	}

	reg.MustRegister(
		m.InitAttemptsTotal,
		m.InitState,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.DecisionCacheSize,
		m.EventsTotal,
		m.AttributesTotal,
		m.SettingsLoadsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.EventsQueuedTotal,
		m.BatchUploadsTotal,
		m.BatchEventsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordTransition tracks the initialization state and counts finished
// attempts.
func (m *Metrics) RecordTransition(_, to lifecycle.State) {
	m.InitState.Set(float64(to))
	if to.Terminal() {
		m.InitAttemptsTotal.WithLabelValues(to.String()).Inc()
	}
}

// RecordEvaluation increments the evaluation counter with the given result
// and observes the engine latency.
func (m *Metrics) RecordEvaluation(result string, duration time.Duration) {
	m.EvaluationsTotal.WithLabelValues(result).Inc()
	m.EvaluationDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetDecisionCacheSize(size int) {
	m.DecisionCacheSize.Set(float64(size))
}

func (m *Metrics) RecordEvent(target string, delivered bool) {
	m.EventsTotal.WithLabelValues(target, strconv.FormatBool(delivered)).Inc()
}

func (m *Metrics) RecordAttributes(applied, rejected int) {
	m.AttributesTotal.WithLabelValues("applied").Add(float64(applied))
	m.AttributesTotal.WithLabelValues("rejected").Add(float64(rejected))
}

func (m *Metrics) RecordSettingsLoad(source string) {
	m.SettingsLoadsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordQueuedEvent() {
	m.EventsQueuedTotal.Inc()
}

// RecordBatchUpload counts one upload attempt and, when it succeeded, the
// events it carried.
func (m *Metrics) RecordBatchUpload(events int, uploaded bool) {
	if !uploaded {
		m.BatchUploadsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.BatchUploadsTotal.WithLabelValues("uploaded").Inc()
	m.BatchEventsTotal.Add(float64(events))
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that records
// request count and latency for each backend method.
func (m *Metrics) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		st, _ := status.FromError(err)
		code := st.Code().String()
		name := path.Base(method)
		m.BackendRequestsTotal.WithLabelValues("grpc", name, code).Inc()
		m.BackendRequestDuration.WithLabelValues("grpc", name, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// RoundTripper wraps next so every HTTP backend request is counted and timed.
// The route label is the request path.
func (m *Metrics) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := next.RoundTrip(req)
		code := "error"
		if err == nil {
			code = strconv.Itoa(resp.StatusCode)
		}
		m.BackendRequestsTotal.WithLabelValues("http", req.URL.Path, code).Inc()
		m.BackendRequestDuration.WithLabelValues("http", req.URL.Path, code).Observe(time.Since(start).Seconds())
		return resp, err
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

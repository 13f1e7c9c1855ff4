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

// ServerMetrics holds the collectors of the development backend.
type ServerMetrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
	SettingsReloads     *prometheus.CounterVec
}

// NewServer creates and registers the backend metrics in a fresh registry.
func NewServer() *ServerMetrics {
	reg := prometheus.NewRegistry()

	m := &ServerMetrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_backend_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagkit_backend_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_backend_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagkit_backend_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_backend_auth_failures_total",
			Help: "Total number of rejected SDK keys.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagkit_backend_active_streams",
			Help: "Number of open settings streams.",
		}),

		SettingsReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_backend_settings_reloads_total",
			Help: "Total number of settings file reloads.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.SettingsReloads,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *ServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// IncAuthFailures counts one rejected SDK key.
func (m *ServerMetrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// StreamOpened tracks an open stream until the returned func is called.
func (m *ServerMetrics) StreamOpened() func() {
	m.ActiveStreams.Inc()
	return m.ActiveStreams.Dec
}

// RecordReload counts a settings reload attempt.
func (m *ServerMetrics) RecordReload(changed bool, err error) {
	switch {
	case err != nil:
		m.SettingsReloads.WithLabelValues("error").Inc()
	case changed:
		m.SettingsReloads.WithLabelValues("changed").Inc()
	default:
		m.SettingsReloads.WithLabelValues("unchanged").Inc()
	}
}

// HTTPMiddleware counts and times every request. The route label is the
// matched mux pattern when there is one.
func (m *ServerMetrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *ServerMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

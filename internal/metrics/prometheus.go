// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_route_decisions_total{use_case,path}
	routeDecisions *prometheus.CounterVec

	// router_routing_duration_seconds{path}
	routingDuration *prometheus.HistogramVec

	// router_dispatch_attempts_total{backend,outcome}
	dispatchAttempts *prometheus.CounterVec

	// router_dispatch_attempt_duration_seconds{backend,outcome}
	dispatchDuration *prometheus.HistogramVec

	// router_fallback_events_total{from,to}
	fallbackEvents *prometheus.CounterVec

	// router_errors_total{kind}
	errorsTotal *prometheus.CounterVec

	// router_backend_health{backend} — 0=healthy, 1=degraded, 2=unhealthy
	backendHealth *prometheus.GaugeVec

	// router_backend_probe_latency_seconds{backend}
	probeLatency *prometheus.GaugeVec

	// router_active_sessions
	activeSessions prometheus.Gauge

	// router_sessions_swept_total
	sessionsSwept prometheus.Counter

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes inference)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		routeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_route_decisions_total",
				Help: "Routing decisions by use case and path taken (bypass or full)",
			},
			[]string{"use_case", "path"},
		),

		routingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_routing_duration_seconds",
				Help:    "Routing decision duration in seconds, inference excluded",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"path"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_dispatch_attempts_total",
				Help: "Backend dispatch attempts (includes retries and fallback)",
			},
			[]string{"backend", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_dispatch_attempt_duration_seconds",
				Help:    "Backend dispatch attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "outcome"},
		),

		fallbackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_fallback_events_total",
				Help: "Dispatches redirected to a fallback backend",
			},
			[]string{"from", "to"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_errors_total",
				Help: "Requests that failed, by error kind",
			},
			[]string{"kind"},
		),

		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_backend_health",
				Help: "Backend health state (0=healthy,1=degraded,2=unhealthy)",
			},
			[]string{"backend"},
		),

		probeLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_backend_probe_latency_seconds",
				Help: "Latency of the most recent health probe",
			},
			[]string{"backend"},
		),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_active_sessions",
			Help: "Session bindings currently held in the store",
		}),

		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_sessions_swept_total",
			Help: "Expired session bindings removed by the sweeper",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routeDecisions,
		r.routingDuration,
		r.dispatchAttempts,
		r.dispatchDuration,
		r.fallbackEvents,
		r.errorsTotal,
		r.backendHealth,
		r.probeLatency,
		r.activeSessions,
		r.sessionsSwept,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRoute records one routing decision. path is "bypass" or "full".
func (r *Registry) ObserveRoute(useCase, path string, dur time.Duration) {
	r.routeDecisions.WithLabelValues(useCase, path).Inc()
	r.routingDuration.WithLabelValues(path).Observe(dur.Seconds())
}

// ObserveDispatchAttempt records one backend attempt.
func (r *Registry) ObserveDispatchAttempt(backend, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(backend, outcome).Inc()
	r.dispatchDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(from, to string) {
	r.fallbackEvents.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// SetBackendHealth exports the prober's view of one backend.
func (r *Registry) SetBackendHealth(backend string, state int, probeLatency time.Duration) {
	r.backendHealth.WithLabelValues(backend).Set(float64(state))
	if probeLatency > 0 {
		r.probeLatency.WithLabelValues(backend).Set(probeLatency.Seconds())
	}
}

func (r *Registry) SetActiveSessions(n int) {
	r.activeSessions.Set(float64(n))
}

func (r *Registry) AddSessionsSwept(n int) {
	if n > 0 {
		r.sessionsSwept.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

// Package metrics holds the gateway's Prometheus series under the
// qwen_gateway namespace. They live on a private registry served by
// Handler, alongside the Go runtime and process collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "qwen_gateway"

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

// Registry holds all exported metrics.
type Registry struct {
	reg                 *prometheus.Registry
	inFlight            prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	httpReqSize         *prometheus.HistogramVec
	httpRespSize        *prometheus.HistogramVec
	upstreamAttempts    *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	backoffSeconds      *prometheus.CounterVec
	upstreamErrors      *prometheus.CounterVec
	credentialsEnabled  prometheus.Gauge
	credentialRefresh   *prometheus.CounterVec
	dedupOps            *prometheus.CounterVec
	uploads             *prometheus.CounterVec
	streamFrames        *prometheus.CounterVec
	streamEnd           *prometheus.CounterVec
	taskPolls           *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	circuitBreakerState *prometheus.GaugeVec
	cbTransitions       *prometheus.CounterVec
	cbRejections        *prometheus.CounterVec
	rateLimitTotal      *prometheus.CounterVec
	componentHealth     *prometheus.GaugeVec
	logDropped          prometheus.Counter
	buildInfo           *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds, including streaming and task polling",
				Buckets:   durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request body size in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 16), // 256B .. ~8MB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response body size in bytes (0 for streams)",
				Buckets:   prometheus.ExponentialBuckets(256, 2, 14),
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Backend call attempts, including auth and rate-limit retries",
			},
			[]string{"op", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Time until the backend answered one attempt",
				Buckets:   durationBuckets,
			},
			[]string{"op", "outcome"},
		),

		backoffSeconds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backoff_seconds_total",
				Help:      "Total time spent sleeping before rate-limit retries",
			},
			[]string{"op"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Backend failures returned to callers by type",
			},
			[]string{"op", "error_type"},
		),

		credentialsEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials_enabled",
			Help:      "Number of enabled credentials in the pool",
		}),

		credentialRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refresh_total",
				Help:      "Credential re-authentications by outcome",
			},
			[]string{"outcome"},
		),

		dedupOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_operations_total",
				Help:      "Upload dedup cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Attachment uploads by result",
			},
			[]string{"result"},
		),

		streamFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_frames_total",
				Help:      "Backend stream frames by kind (content, search, malformed)",
			},
			[]string{"kind"},
		),

		streamEnd: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_end_total",
				Help:      "Finished client streams by outcome",
			},
			[]string{"outcome"},
		),

		taskPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_polls_total",
				Help:      "Task status checks by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from first poll to terminal task status",
				Buckets:   durationBuckets,
			},
			[]string{"kind", "status"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"op"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Circuit breaker transitions to a new state",
			},
			[]string{"op", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Backend calls rejected due to circuit breaker state",
			},
			[]string{"op", "state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_total",
				Help:      "Inbound rate limit decisions",
			},
			[]string{"result"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Component health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		logDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_log_dropped_total",
			Help:      "Request log entries dropped because the buffer was full",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.backoffSeconds,
		r.upstreamErrors,
		r.credentialsEnabled,
		r.credentialRefresh,
		r.dedupOps,
		r.uploads,
		r.streamFrames,
		r.streamEnd,
		r.taskPolls,
		r.taskDuration,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.rateLimitTotal,
		r.componentHealth,
		r.logDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics. Negative sizes are skipped.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one backend attempt.
func (r *Registry) ObserveUpstreamAttempt(op, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(op, outcome).Inc()
	r.upstreamDuration.WithLabelValues(op, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordBackoff(op string, d time.Duration) {
	r.backoffSeconds.WithLabelValues(op).Add(d.Seconds())
}

func (r *Registry) RecordError(op, errType string) {
	r.upstreamErrors.WithLabelValues(op, errType).Inc()
}

func (r *Registry) SetCredentialsEnabled(n int) {
	r.credentialsEnabled.Set(float64(n))
}

func (r *Registry) RecordCredentialRefresh(outcome string) {
	r.credentialRefresh.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordDedup(op, result string) {
	r.dedupOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) RecordUpload(result string) {
	r.uploads.WithLabelValues(result).Inc()
}

func (r *Registry) RecordStreamFrame(kind string) {
	r.streamFrames.WithLabelValues(kind).Inc()
}

func (r *Registry) RecordStreamEnd(outcome string) {
	r.streamEnd.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordTaskPoll(kind, outcome string) {
	r.taskPolls.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) ObserveTask(kind, status string, dur time.Duration) {
	r.taskDuration.WithLabelValues(kind, status).Observe(dur.Seconds())
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) IncLogDropped() { r.logDropped.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(op string, state int64) {
	r.circuitBreakerState.WithLabelValues(op).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[op]
	if !ok || prev != float64(state) {
		r.lastCBState[op] = float64(state)
		r.cbTransitions.WithLabelValues(op, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(op, state string) {
	r.cbRejections.WithLabelValues(op, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

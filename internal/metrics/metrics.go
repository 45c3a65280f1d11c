package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/readiness-proxy/internal/version"
)

// ServerMetrics owns a private registry. Labels are bounded (method, route,
// status code, probe status); target URLs never become label values.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// public listener
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	// process
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// target list and downstream probing
	configuredTargets prometheus.Gauge
	targetReloads     *prometheus.CounterVec
	probeOutcomes     *prometheus.CounterVec
	probeDur          *prometheus.HistogramVec
	probesInflight    prometheus.Gauge
	aggregateDur      prometheus.Histogram
	aggregateTargets  prometheus.Histogram
	abandonedProbes   prometheus.Counter
}

// latencyBuckets spans a fast local probe up to the overall aggregate bound.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{
		reg: reg,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}),

		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "HTTP requests currently being served",
		}),
		reqTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		reqDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and route",
			Buckets: latencyBuckets,
		}, []string{"method", "route"}),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size by method and route",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "HTTP 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered on either listener",
		}),
		ratelimitDeniedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests rejected with 429 by the per-IP limiter",
		}),
		ratelimitCapacityTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the per-IP limiter table filled and began evicting",
		}),

		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value is always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is running",
		}),

		configuredTargets: f.NewGauge(prometheus.GaugeOpts{
			Name: "configured_targets",
			Help: "Targets in the configured bulk list",
		}),
		targetReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "target_reloads_total",
			Help: "Target list reloads by result",
		}, []string{"result"}),
		probeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "probe_outcomes_total",
			Help: "Downstream probe outcomes by status",
		}, []string{"status"}),
		probeDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "probe_duration_seconds",
			Help:    "Downstream probe latency by status",
			Buckets: latencyBuckets[:11],
		}, []string{"status"}),
		probesInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "probes_inflight",
			Help: "Downstream probes currently running",
		}),
		aggregateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregate_duration_seconds",
			Help:    "Wall time of one aggregate call",
			Buckets: latencyBuckets[1:],
		}),
		aggregateTargets: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregate_targets",
			Help:    "Targets per aggregate call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		abandonedProbes: f.NewCounter(prometheus.CounterOpts{
			Name: "aggregate_abandoned_probes_total",
			Help: "Probes reported as TIMEOUT because the overall bound elapsed first",
		}),
	}

	m.initProbeLabels()
	for _, r := range []string{"ok", "error"} {
		m.targetReloads.WithLabelValues(r)
	}
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDeniedTotal.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

// SetBuildInfoFromVersion publishes the build_info series. Call once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *ServerMetrics) SetConfiguredTargets(n int) {
	m.configuredTargets.Set(float64(n))
}

// ObserveTargetReload counts a SIGHUP reload and, on success, updates
// configured_targets.
func (m *ServerMetrics) ObserveTargetReload(n int, err error) {
	if err != nil {
		m.targetReloads.WithLabelValues("error").Inc()
		return
	}
	m.targetReloads.WithLabelValues("ok").Inc()
	m.SetConfiguredTargets(n)
}

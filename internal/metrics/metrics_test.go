package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/readiness-proxy/internal/aggregate"
	"github.com/keithlinneman/readiness-proxy/internal/probe"
	"github.com/keithlinneman/readiness-proxy/internal/version"
)

// helpers

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue returns the value of the first metric in a counter family.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

// histogramCount returns the sample count of the first metric in a histogram family.
func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	if len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f.GetMetric()[0].GetHistogram().GetSampleCount()
}

func scrape(t *testing.T, m *ServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

// New

func TestNew_RegistryPopulated(t *testing.T) {
	body := scrape(t, New())

	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_requests_rate_limited_total",
		"profiling_active",
		"configured_targets",
		"probes_inflight",
		"probe_outcomes_total",
		"aggregate_abandoned_probes_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_ProbeStatusSeriesPreCreated(t *testing.T) {
	m := New()

	f := gatherMetric(t, m.reg, "probe_outcomes_total")
	if f == nil {
		t.Fatal("probe_outcomes_total not found")
	}
	if len(f.GetMetric()) != len(probe.Statuses) {
		t.Fatalf("series = %d, want %d", len(f.GetMetric()), len(probe.Statuses))
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	m1 := New()
	m2 := New()

	m1.IncHttpPanic()
	m1.IncHttpPanic()

	if v := testutil.ToFloat64(m1.httpPanicTotal); v != 2 {
		t.Fatalf("m1 panic count = %f, want 2", v)
	}
	if v := testutil.ToFloat64(m2.httpPanicTotal); v != 0 {
		t.Fatalf("m2 panic count = %f, want 0", v)
	}
}

func TestHandler_ContentType(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	req.Header.Set("Accept", "application/openmetrics-text")
	m.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want openmetrics", ct)
	}
}

// counters and gauges

func TestIncHttpPanic(t *testing.T) {
	m := New()

	m.IncHttpPanic()
	m.IncHttpPanic()
	m.IncHttpPanic()

	if val := counterValue(t, m.reg, "http_panic_total"); val != 3 {
		t.Fatalf("http_panic_total = %f, want 3", val)
	}
}

func TestRateLimitCounters(t *testing.T) {
	m := New()

	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()

	if val := counterValue(t, m.reg, "http_requests_rate_limited_total"); val != 2 {
		t.Fatalf("http_requests_rate_limited_total = %f, want 2", val)
	}
	if val := counterValue(t, m.reg, "http_requests_rate_limited_capacity_total"); val != 1 {
		t.Fatalf("capacity total = %f, want 1", val)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()

	m.SetProfilingActive(true)
	if v := testutil.ToFloat64(m.profilingActive); v != 1 {
		t.Fatalf("profiling_active = %f, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := testutil.ToFloat64(m.profilingActive); v != 0 {
		t.Fatalf("profiling_active = %f, want 0", v)
	}
}

func TestSetConfiguredTargets(t *testing.T) {
	m := New()
	m.SetConfiguredTargets(7)

	if v := testutil.ToFloat64(m.configuredTargets); v != 7 {
		t.Fatalf("configured_targets = %f, want 7", v)
	}
}

// build info

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()

	dirty := true
	m.SetBuildInfoFromVersion("readiness-proxy", "server", version.Info{
		Version:    "1.2.3",
		Commit:     "abc123",
		CommitDate: "2026-01-01",
		BuildId:    "build-42",
		BuildDate:  "2026-01-01T00:00:00Z",
		GoVersion:  "go1.24.0",
		VCSDirty:   &dirty,
	})

	f := gatherMetric(t, m.reg, "build_info")
	if f == nil {
		t.Fatal("build_info metric not found")
	}
	if len(f.GetMetric()) != 1 {
		t.Fatalf("build_info metric count = %d, want 1", len(f.GetMetric()))
	}
	if v := f.GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Fatalf("build_info value = %f, want 1", v)
	}

	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	checks := map[string]string{
		"app":        "readiness-proxy",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.0",
		"vcs_dirty":  "true",
	}
	for k, want := range checks {
		if got := labels[k]; got != want {
			t.Errorf("build_info label %q = %q, want %q", k, got, want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("app", "comp", version.Info{Version: "dev"})

	f := gatherMetric(t, m.reg, "build_info")
	labels := make(map[string]string)
	for _, lp := range f.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["vcs_dirty"] != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", labels["vcs_dirty"])
	}
}

// probe observer

func TestServerMetrics_ImplementsObserver(t *testing.T) {
	var _ aggregate.Observer = New()
}

func TestProbeFinished_CountsByStatus(t *testing.T) {
	m := New()

	for _, s := range []probe.Status{probe.StatusUp, probe.StatusUp, probe.StatusDown, probe.StatusTimeout} {
		m.ProbeStarted()
		m.ProbeFinished(probe.Outcome{Status: s}, 20*time.Millisecond)
	}

	if v := testutil.ToFloat64(m.probeOutcomes.WithLabelValues("UP")); v != 2 {
		t.Fatalf("UP = %f, want 2", v)
	}
	if v := testutil.ToFloat64(m.probeOutcomes.WithLabelValues("DOWN")); v != 1 {
		t.Fatalf("DOWN = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.probeOutcomes.WithLabelValues("UNREACHABLE")); v != 0 {
		t.Fatalf("UNREACHABLE = %f, want 0", v)
	}
	if v := testutil.ToFloat64(m.probesInflight); v != 0 {
		t.Fatalf("probes_inflight = %f, want 0 after all finished", v)
	}
	if n := testutil.CollectAndCount(m.probeDur); n != 3 {
		t.Fatalf("probe_duration_seconds series = %d, want 3", n)
	}
}

func TestProbeStarted_TracksInflight(t *testing.T) {
	m := New()
	m.ProbeStarted()
	m.ProbeStarted()

	if v := testutil.ToFloat64(m.probesInflight); v != 2 {
		t.Fatalf("probes_inflight = %f, want 2", v)
	}
}

func TestAggregateFinished(t *testing.T) {
	m := New()

	m.AggregateFinished(3, 0, 100*time.Millisecond)
	m.AggregateFinished(5, 2, 2*time.Second)

	if c := histogramCount(t, m.reg, "aggregate_duration_seconds"); c != 2 {
		t.Fatalf("aggregate_duration_seconds count = %d, want 2", c)
	}
	if c := histogramCount(t, m.reg, "aggregate_targets"); c != 2 {
		t.Fatalf("aggregate_targets count = %d, want 2", c)
	}
	if v := testutil.ToFloat64(m.abandonedProbes); v != 2 {
		t.Fatalf("abandoned = %f, want 2", v)
	}
}

// 5xx error counter

func TestMiddleware_5xxIncrementsErrorCounter(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/verify-readiness", http.NoBody))

	if val := counterValue(t, m.reg, "http_errors_total"); val != 1 {
		t.Fatalf("http_errors_total = %f, want 1", val)
	}
}

func TestMiddleware_4xxDoesNotIncrementErrorCounter(t *testing.T) {
	m := New()
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/health/bulk", http.NoBody))

	if f := gatherMetric(t, m.reg, "http_errors_total"); f != nil {
		t.Fatal("http_errors_total should not be present after 400 response")
	}
}

func TestNew_ResponseSizeBuckets(t *testing.T) {
	m := New()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("[]"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/bulk", http.NoBody))

	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f == nil {
		t.Fatal("http_response_size_bytes not found")
	}
	buckets := f.GetMetric()[0].GetHistogram().GetBucket()
	if len(buckets) == 0 {
		t.Fatal("expected histogram buckets")
	}
	if largest := buckets[len(buckets)-1].GetUpperBound(); largest < 1<<20 {
		t.Fatalf("largest bucket = %f, want >= 1MiB", largest)
	}
}

func TestObserveTargetReload(t *testing.T) {
	m := New()
	m.SetConfiguredTargets(3)

	m.ObserveTargetReload(0, errors.New("ssm: access denied"))
	if v := testutil.ToFloat64(m.targetReloads.WithLabelValues("error")); v != 1 {
		t.Fatalf("error reloads = %v", v)
	}
	if v := testutil.ToFloat64(m.configuredTargets); v != 3 {
		t.Fatalf("failed reload changed configured_targets to %v", v)
	}

	m.ObserveTargetReload(5, nil)
	if v := testutil.ToFloat64(m.targetReloads.WithLabelValues("ok")); v != 1 {
		t.Fatalf("ok reloads = %v", v)
	}
	if v := testutil.ToFloat64(m.configuredTargets); v != 5 {
		t.Fatalf("configured_targets = %v, want 5", v)
	}
}

package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests that never reached a chi route so raw paths
// stay out of label values.
const unmatchedRoute = "unmatched"

// countingWriter records the status and body size a handler produced.
type countingWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *countingWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Middleware records in-flight requests, request counts by status, latency,
// response size and 5xx errors, labelled by method and chi route pattern.
// It seeds a chi route context when mounted outside the router so the
// pattern resolved further in is still visible here.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		start := time.Now()
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		m.observeRequest(r, cw.code(), cw.n, time.Since(start))
	})
}

func (m *ServerMetrics) observeRequest(r *http.Request, code, size int, d time.Duration) {
	route := unmatchedRoute
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		route = rc.RoutePattern()
	}

	m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
	if code >= http.StatusInternalServerError {
		m.errorsTotal.WithLabelValues(r.Method, route).Inc()
	}

	obs := m.reqDur.WithLabelValues(r.Method, route)
	eo, ok := obs.(prometheus.ExemplarObserver)
	if ex := traceExemplar(r.Context()); ex != nil && ok {
		eo.ObserveWithExemplar(d.Seconds(), ex)
	} else {
		obs.Observe(d.Seconds())
	}

	m.respBytes.WithLabelValues(r.Method, route).Observe(float64(size))
}

// traceExemplar links a latency sample to its trace when the request was sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}

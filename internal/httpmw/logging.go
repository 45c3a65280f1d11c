package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/readiness-proxy/internal/log"
)

// statusRecorder captures status and body size for the access log and times
// the response write in a child span.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	span     trace.Span
	started  bool
	ttfb     time.Duration
	blocked  time.Duration
	firstErr error
}

// begin opens the response.write span on the first WriteHeader or Write.
func (sr *statusRecorder) begin() {
	if sr.started {
		return
	}
	sr.started = true
	sr.ttfb = time.Since(sr.reqStart)

	if parent := trace.SpanFromContext(sr.ctx); !parent.IsRecording() {
		return
	}
	sr.ctx, sr.span = otel.Tracer("readiness-proxy/httpmw").Start(sr.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sr.ttfb.Seconds())),
	)
}

func (sr *statusRecorder) end() {
	if sr.span == nil {
		return
	}
	sr.span.SetAttributes(
		attribute.Int("http.response.status_code", sr.code()),
		attribute.Int64("http.response.body.size", sr.bytes),
		attribute.Float64("http.server.write.block_seconds", sr.blocked.Seconds()),
	)
	if sr.firstErr != nil {
		sr.span.RecordError(sr.firstErr)
		sr.span.SetStatus(codes.Error, sr.firstErr.Error())
	}
	sr.span.End()
}

// code is the status actually sent; handlers that never write send 200.
func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.begin()
	if sr.status == 0 {
		sr.status = code
	}
	t := time.Now()
	sr.ResponseWriter.WriteHeader(code)
	sr.blocked += time.Since(t)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.begin()
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	t := time.Now()
	n, err := sr.ResponseWriter.Write(b)
	sr.blocked += time.Since(t)
	sr.bytes += int64(n)
	if err != nil && sr.firstErr == nil {
		sr.firstErr = err
	}
	return n, err
}

// Flush passes through so compressed JSON is not held back.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// WithLogger stores a request-scoped logger in the context. Only values the
// server derives itself are attached; query strings, headers and the Host
// header are left out.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)

			// Normalize peer address to IP only (no port)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}

			// ClientIP middleware (outer) has already decided how far to trust X-Forwarded-For
			clientAddr := ClientIPFromContext(ctx)
			if clientAddr == "" {
				clientAddr = peerAddr
			}

			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span != nil && span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			ctx = log.WithContext(ctx, L)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// quietPaths are the proxy's own health endpoints, polled too often to be worth a log line.
var quietPaths = map[string]struct{}{
	"/-/ping":    {},
	"/-/healthy": {},
	"/-/ready":   {},
}

// AccessLog emits one line per request once the handler returns: info for
// 1xx-4xx, warn for 5xx. Requests that matched no route are logged with
// http.route "unmatched" so arbitrary paths never reach the logs.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, ctx: r.Context(), reqStart: start}

			next.ServeHTTP(sr, r)
			sr.end()

			if _, quiet := quietPaths[r.URL.Path]; quiet {
				return
			}

			ctx := r.Context()
			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}

			kv := []any{
				"http.response.status_code", sr.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", sr.bytes,
				"http.request.body.size", reqBody,
				"http.route", routeOf(r),
			}
			L := log.FromContext(ctx)
			if sr.code() >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

var validSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
}

// schemeFromRequest only ever returns "http" or "https".
func schemeFromRequest(r *http.Request) string {
	// X-Forwarded-Proto survives only when ClientIP trusted the peer
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); isValidScheme(s) {
			return s
		}
	}

	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); isValidScheme(s) {
			return s
		}
	}

	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func isValidScheme(s string) bool {
	_, ok := validSchemes[s]
	return ok
}

func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// logging: enrich + store back into context
			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			// tracing: enrich span
			if span := trace.SpanFromContext(ctx); span != nil && span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

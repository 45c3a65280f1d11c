package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// TraceIDOptions selects which IDs TraceIDs writes. An empty TraceHeader
// means TraceIDHeader; an empty SpanHeader omits the span ID.
type TraceIDOptions struct {
	TraceHeader string
	SpanHeader  string

	// SampledOnly skips requests whose span will not reach the exporter.
	SampledOnly bool
}

// TraceIDs sets the server span's IDs on the response before the handler
// runs, so a slow or failing /health/bulk answer can be looked up in the
// trace backend and matched to the outbound probe spans under it.
func TraceIDs(opts TraceIDOptions) Middleware {
	if opts.TraceHeader == "" {
		opts.TraceHeader = TraceIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := trace.SpanContextFromContext(r.Context())
			if sc.IsValid() && (sc.IsSampled() || !opts.SampledOnly) {
				h := w.Header()
				h.Set(opts.TraceHeader, sc.TraceID().String())
				if opts.SpanHeader != "" {
					h.Set(opts.SpanHeader, sc.SpanID().String())
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// spanCtx starts a span on a provider with the given sampler and returns the
// request context carrying it.
func spanCtx(t *testing.T, sampler sdktrace.Sampler) (context.Context, trace.SpanContext) {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, sp := tp.Tracer("test").Start(context.Background(), "POST /health/bulk")
	t.Cleanup(func() { sp.End() })
	return ctx, sp.SpanContext()
}

func TestTraceIDs(t *testing.T) {
	sampled, sampledSC := spanCtx(t, sdktrace.AlwaysSample())
	dropped, droppedSC := spanCtx(t, sdktrace.NeverSample())

	tests := []struct {
		name      string
		ctx       context.Context
		opts      TraceIDOptions
		wantTrace string
		wantSpan  string
	}{
		{"default header, no span", sampled, TraceIDOptions{}, sampledSC.TraceID().String(), ""},
		{"span header on", sampled, TraceIDOptions{SpanHeader: SpanIDHeader}, sampledSC.TraceID().String(), sampledSC.SpanID().String()},
		{"unsampled still echoed", dropped, TraceIDOptions{}, droppedSC.TraceID().String(), ""},
		{"unsampled skipped", dropped, TraceIDOptions{SpanHeader: SpanIDHeader, SampledOnly: true}, "", ""},
		{"sampled kept when sampled only", sampled, TraceIDOptions{SampledOnly: true}, sampledSC.TraceID().String(), ""},
		{"no span at all", context.Background(), TraceIDOptions{SpanHeader: SpanIDHeader}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inHandler string
			h := TraceIDs(tt.opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				inHandler = w.Header().Get(TraceIDHeader)
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health/bulk", http.NoBody).WithContext(tt.ctx))

			if got := rec.Header().Get(TraceIDHeader); got != tt.wantTrace {
				t.Errorf("%s = %q, want %q", TraceIDHeader, got, tt.wantTrace)
			}
			if got := rec.Header().Get(SpanIDHeader); got != tt.wantSpan {
				t.Errorf("%s = %q, want %q", SpanIDHeader, got, tt.wantSpan)
			}
			if inHandler != tt.wantTrace {
				t.Errorf("header not set before handler ran: %q", inHandler)
			}
		})
	}
}

func TestTraceIDs_CustomHeader(t *testing.T) {
	ctx, sc := spanCtx(t, sdktrace.AlwaysSample())
	h := TraceIDs(TraceIDOptions{TraceHeader: "X-Readiness-Trace"})(http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verify-readiness", http.NoBody).WithContext(ctx))

	if got := rec.Header().Get("X-Readiness-Trace"); got != sc.TraceID().String() {
		t.Fatalf("custom header = %q", got)
	}
	if rec.Header().Get(TraceIDHeader) != "" {
		t.Fatal("default header written alongside the custom one")
	}
}

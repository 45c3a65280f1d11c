// Package otelx installs the process-wide OpenTelemetry tracer provider and
// W3C propagators. Spans from the public listener, the aggregator and each
// outbound probe share one provider so a /health/bulk trace shows the fan-out.
package otelx

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

// dialTimeout bounds exporter setup; the collector is expected on localhost.
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(context.Context) error

// Init installs propagators and a tracer provider. With tracing disabled the
// provider records nothing but still mints span contexts, so trace IDs reach
// response headers and outbound probe requests.
func Init(ctx context.Context, o Options) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, o)
	if err != nil {
		return nil, err
	}

	tp := newProvider(exp, res, o.Sample)
	otel.SetTracerProvider(tp)
	return func(sctx context.Context) error {
		return errors.Join(tp.ForceFlush(sctx), tp.Shutdown(sctx))
	}, nil
}

func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dctx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create otlp trace exporter endpoint=%s", o.Endpoint)
	}
	return exp, nil
}

func newResource(ctx context.Context, o Options) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(o.Service, o.Component)),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	// a partial resource is still usable
	if err != nil && res == nil {
		return nil, xerrors.Wrap(err, "build otel resource")
	}
	return res, nil
}

// newProvider samples root spans at the given ratio and follows the caller's
// decision for propagated traces.
func newProvider(exp sdktrace.SpanExporter, res *resource.Resource, sample float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSample(sample)))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
}

func serviceName(service, component string) string {
	switch {
	case service == "":
		return component
	case component == "":
		return service
	default:
		return service + "." + component
	}
}

func clampSample(s float64) float64 {
	return min(max(s, 0), 1)
}

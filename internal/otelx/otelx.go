// Package otelx installs the global tracer provider and propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/formgate/internal/log"
	"github.com/keithlinneman/formgate/internal/xerrors"
)

// exporter dial budget; the collector is local so this stays short
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
	// Logger receives export errors raised inside the SDK. Nil drops them.
	Logger log.Logger
}

// ServiceName joins service and component the way spans are grouped in the backend
func (o Options) ServiceName() string {
	switch {
	case o.Service == "":
		return "formgate"
	case o.Component == "":
		return o.Service
	default:
		return o.Service + "." + o.Component
	}
}

// Sampler is parent based so upstream sampling decisions carry through the
// proxy. Ratios outside 0..1 are clamped.
func (o Options) Sampler() sdktrace.Sampler {
	ratio := min(max(o.Sample, 0), 1)
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func setPropagators() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// Init installs a tracer provider and returns its shutdown func. When disabled
// a provider without exporters is still installed so trace ids exist for logs
// and the traceparent response header.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		setPropagators()
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter %s", o.Endpoint)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.ServiceName()),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if err != nil && o.Logger != nil {
		// partial resources are still usable
		o.Logger.Warn(ctx, "otel resource detection incomplete", "error", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(o.Sampler()),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	if L := o.Logger; L != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			L.Error(context.Background(), err, "otel sdk error")
		}))
	}
	otel.SetTracerProvider(tp)
	setPropagators()

	return tp.Shutdown, nil
}

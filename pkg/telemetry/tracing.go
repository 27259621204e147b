// Package telemetry configures OpenTelemetry tracing for realitymesh.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/realitymesh/realitymesh/internal/build"
)

const exporterConnectTimeout = 2 * time.Second

// TracerProvider is a trace.TracerProvider that can be flushed and shut down.
type TracerProvider interface {
	trace.TracerProvider

	Close(context.Context) error
	RegisterSpanProcessor(sdktrace.SpanProcessor)
}

type TracerOption func(d *customTracer)

// WithOTLPEndpoint sets the collector endpoint. Without an endpoint spans are
// only delivered to processors registered with RegisterSpanProcessor.
func WithOTLPEndpoint(endpoint string) TracerOption {
	return func(d *customTracer) {
		d.endpoint = endpoint
	}
}

func WithOTLPInsecure() TracerOption {
	return func(d *customTracer) {
		d.insecure = true
	}
}

func WithServiceName(serviceName string) TracerOption {
	return func(d *customTracer) {
		d.attributes = append(d.attributes, semconv.ServiceNameKey.String(serviceName))
	}
}

func WithSamplingRatio(samplingRatio float64) TracerOption {
	return func(d *customTracer) {
		d.samplingRatio = samplingRatio
	}
}

func WithAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(d *customTracer) {
		d.attributes = append(d.attributes, attrs...)
	}
}

type customTracer struct {
	endpoint      string
	insecure      bool
	attributes    []attribute.KeyValue
	samplingRatio float64
}

// MustNewTracerProvider builds a TracerProvider, installs it as the global
// provider and panics if the OTLP exporter cannot be created.
func MustNewTracerProvider(opts ...TracerOption) TracerProvider {
	tracer := &customTracer{
		attributes: []attribute.KeyValue{semconv.ServiceVersionKey.String(build.Version)},
	}
	for _, opt := range opts {
		opt(tracer)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(tracer.attributes...))
	if err != nil {
		panic(err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tracer.samplingRatio))),
		sdktrace.WithResource(res),
	}

	if tracer.endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), exporterConnectTimeout)
		defer cancel()

		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tracer.endpoint)}
		if tracer.insecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}

		exp, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			panic(fmt.Sprintf("failed to establish a connection with the otlp exporter: %v", err))
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return &tracerProvider{tp: tp}
}

type tracerProvider struct {
	embedded.TracerProvider

	tp *sdktrace.TracerProvider
}

func (t *tracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return t.tp.Tracer(name, options...)
}

func (t *tracerProvider) Close(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	if err := t.tp.ForceFlush(ctx); err != nil {
		return err
	}
	if err := t.tp.Shutdown(ctx); err != nil {
		return err
	}
	t.tp = nil
	return nil
}

func (t *tracerProvider) RegisterSpanProcessor(spanProcessor sdktrace.SpanProcessor) {
	t.tp.RegisterSpanProcessor(spanProcessor)
}

type noopTracerProvider struct {
	embedded.TracerProvider

	once sync.Once
	tp   trace.TracerProvider
}

func (t *noopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	t.once.Do(func() {
		t.tp = noop.NewTracerProvider()
	})
	return t.tp.Tracer(name, options...)
}

func (t *noopTracerProvider) Close(context.Context) error { return nil }

func (t *noopTracerProvider) RegisterSpanProcessor(sdktrace.SpanProcessor) {}

// Noop returns a TracerProvider that records nothing.
func Noop() TracerProvider {
	return &noopTracerProvider{}
}

// TraceError marks the span as failed with err.
func TraceError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

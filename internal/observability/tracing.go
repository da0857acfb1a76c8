package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

// TracerName is the instrumentation name of gateway spans.
const TracerName = "relaymux"

// TracingConfig contains configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string  // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName string
	SampleRate  float64 // 0.0 to 1.0
	Insecure    bool
}

// DefaultTracingConfig returns tracing disabled with a local collector endpoint.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Endpoint:    "localhost:4317",
		ServiceName: "relaymux",
		SampleRate:  1.0,
		Insecure:    true,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing installs an OTLP exporter as the global tracer provider. When
// disabled it returns the global no-op tracer.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(TracerName)}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the tracer instance.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// RelaySpanAttributes describes one relay attempt.
type RelaySpanAttributes struct {
	Variant   string
	AccountID string
	Model     string
	Stream    bool
	Session   bool
}

// StartRelaySpan starts a client span for an upstream relay.
func StartRelaySpan(ctx context.Context, tracer trace.Tracer, operation string, attrs RelaySpanAttributes) (context.Context, trace.Span) {
	kv := []attribute.KeyValue{
		attribute.String("relay.variant", attrs.Variant),
		attribute.String("gen_ai.request.model", attrs.Model),
		attribute.Bool("gen_ai.request.stream", attrs.Stream),
		attribute.Bool("relay.sticky_session", attrs.Session),
	}
	if attrs.AccountID != "" {
		kv = append(kv, attribute.String("relay.account_id", attrs.AccountID))
	}
	return tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(kv...),
	)
}

// RecordUsage records token usage on span.
func RecordUsage(span trace.Span, u types.Usage) {
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", u.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", u.OutputTokens),
		attribute.Int("gen_ai.usage.cache_creation_input_tokens", u.CacheCreationInputTokens),
		attribute.Int("gen_ai.usage.cache_read_input_tokens", u.CacheReadInputTokens),
	)
}

// RecordError marks span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())
	assert.NotNil(t, tp.Tracer())
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "relaymux", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestStartRelaySpan_RecordsAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer provider.Shutdown(context.Background())

	_, span := StartRelaySpan(context.Background(), provider.Tracer(TracerName), "relay", RelaySpanAttributes{
		Variant:   "claude-official",
		AccountID: "acct-1",
		Model:     "claude-3-5-sonnet",
		Stream:    true,
	})
	RecordUsage(span, types.Usage{InputTokens: 10, OutputTokens: 4})
	RecordError(span, errors.New("upstream 529"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes)
	assert.Equal(t, "claude-official", attrs["relay.variant"].AsString())
	assert.Equal(t, "acct-1", attrs["relay.account_id"].AsString())
	assert.True(t, attrs["gen_ai.request.stream"].AsBool())
	assert.Equal(t, int64(10), attrs["gen_ai.usage.input_tokens"].AsInt64())
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestRecordError_Nil(t *testing.T) {
	_, span := noop.NewTracerProvider().Tracer("t").Start(context.Background(), "x")
	RecordError(span, nil)
	span.End()
}

func TestSamplerFor(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), samplerFor(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), samplerFor(0).Description())
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}

func TestTracerProvider_ShutdownWithoutProvider(t *testing.T) {
	tp := &TracerProvider{tracer: noop.NewTracerProvider().Tracer("test")}
	assert.NoError(t, tp.Shutdown(context.Background()))
}

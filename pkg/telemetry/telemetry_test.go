package telemetry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jingkaihe/agentry/pkg/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.TracingConfig{Enabled: true, Sampler: "ratio", Ratio: 0.25}, "0.3.0")
	assert.Equal(t, Config{
		Enabled:        true,
		ServiceName:    "agentry",
		ServiceVersion: "0.3.0",
		SamplerType:    "ratio",
		SamplerRatio:   0.25,
	}, cfg)
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestGetSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), getSampler(Config{SamplerType: "always"}).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), getSampler(Config{SamplerType: "never"}).Description())
	assert.Contains(t, getSampler(Config{SamplerType: "ratio", SamplerRatio: 0.5}).Description(), "TraceIDRatioBased{0.5}")
	assert.Equal(t, sdktrace.AlwaysSample().Description(), getSampler(Config{SamplerType: "unknown"}).Description())
}

func TestWithSpan(t *testing.T) {
	recorder := recordSpans(t)

	err := WithSpan(context.Background(), "registry.discover", func(ctx context.Context) error {
		SetAttributes(ctx, attribute.Int("agents", 9))
		return nil
	}, AgentAttrs("engineer", "system")...)
	require.NoError(t, err)

	failure := errors.New("disk full")
	err = WithSpan(context.Background(), "persistence.commit", func(ctx context.Context) error {
		return failure
	}, AgentAttrs("reviewer", "")...)
	assert.Equal(t, failure, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "registry.discover", ok.Name())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	assert.Contains(t, ok.Attributes(), attribute.String("agent.name", "engineer"))
	assert.Contains(t, ok.Attributes(), attribute.String("agent.tier", "system"))
	assert.Contains(t, ok.Attributes(), attribute.Int("agents", 9))

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "disk full", failed.Status().Description)
	assert.Equal(t, []attribute.KeyValue{attribute.String("agent.name", "reviewer")}, failed.Attributes())
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, "exception", failed.Events()[0].Name)
}

package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/kiranshivaraju/mattehub/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func TestInit_NoneInstallsNoop(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := Init(context.Background(), config.TracingConfig{Exporter: "none"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInit_UnknownExporter(t *testing.T) {
	restoreGlobals(t)

	_, err := Init(context.Background(), config.TracingConfig{Exporter: "zipkin"}, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestNewProvider_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.TracingConfig{Exporter: "stdout", SampleRatio: 1, ServiceName: "mattehub-test"}

	tp, err := newProvider(context.Background(), cfg, "test", &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "dispatch.tick")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "dispatch.tick")
	assert.Contains(t, buf.String(), "mattehub-test")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, sampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}

package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sr),
		sdktrace.WithResource(resource.Empty()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func TestInit_Disabled(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), config.TracingConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, prev, otel.GetTracerProvider())
}

func TestInit_HTTPExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// the http exporter does not dial until spans are exported
	shutdown, err := Init(context.Background(), config.TracingConfig{
		Enabled:     true,
		ServiceName: "chatgate-test",
		Protocol:    "http",
		Endpoint:    "http://localhost:4318",
		Insecure:    true,
		SamplerRate: 2.5,
		Headers:     map[string]string{"x-test": "1"},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownProtocol(t *testing.T) {
	_, err := Init(context.Background(), config.TracingConfig{Enabled: true, Protocol: "zipkin"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSpanScope_AttrsAndFailure(t *testing.T) {
	sr := withRecorder(t)

	scope := Tracer("trace-test").Start(context.Background(), "op").
		WithAttrs(attribute.String("model", "gpt-a"))
	assert.NotEmpty(t, ID(scope.Ctx))
	scope.Fail(errors.New("boom"))
	scope.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("model", "gpt-a"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestSpanScope_NilSafety(t *testing.T) {
	var s *SpanScope
	assert.NotPanics(t, func() {
		s.WithAttrs(attribute.Int("n", 1))
		s.Fail(errors.New("x"))
		s.End()
	})
	assert.Empty(t, ID(context.Background()))
}

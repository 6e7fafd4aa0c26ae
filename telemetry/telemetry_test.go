package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutExportStillRecordsSpans(t *testing.T) {
	ctx := context.Background()

	tel, err := Init(ctx, Config{ServiceName: "transfer-saga", DeploymentEnv: "test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	assert.Same(t, tel.TracerProvider, otel.GetTracerProvider())

	recorder := tracetest.NewSpanRecorder()
	tel.TracerProvider.RegisterSpanProcessor(recorder)

	_, span := otel.Tracer("test").Start(ctx, "saga.debit")
	assert.True(t, span.IsRecording())
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "saga.debit", ended[0].Name())
	assert.Contains(t, ended[0].Resource().Attributes(), attribute.String("service.name", "transfer-saga"))
	assert.Contains(t, ended[0].Resource().Attributes(), attribute.String("deployment.environment", "test"))
}

func TestShutdownIsFinal(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "transfer-saga"}, nil)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))

	_, span := tel.TracerProvider.Tracer("test").Start(context.Background(), "after")
	assert.False(t, span.IsRecording())
}

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProvider(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	recorder := tracetest.NewSpanRecorder()
	tp.RegisterSpanProcessor(recorder)

	_, span := otel.Tracer("test").Start(context.Background(), "visit")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "visit", ended[0].Name())
}

func TestInitTracerProviderRejectsRatio(t *testing.T) {
	t.Parallel()

	_, err := InitTracerProvider(context.Background(), Config{SampleRatio: 2})
	require.Error(t, err)
}

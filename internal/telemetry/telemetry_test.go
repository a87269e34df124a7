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

func TestSetupInstallsGlobalProvider(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	p, err := Setup(ctx, Config{ServiceName: "harvest-test", Version: "test"}, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := otel.Tracer("telemetry-test").Start(ctx, "unit")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "unit", ended[0].Name())
	assert.Contains(t, ended[0].Resource().Attributes(), attribute.String("service.name", "harvest-test"))
}

func TestShutdownIsIdempotent(t *testing.T) {
	p, err := Setup(context.Background(), Config{SampleRatio: 0.5})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

package fedplan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

func TestResources(t *testing.T) {
	res, err := resources(TelemetryConfig{Enabled: true})
	require.NoError(t, err)
	assert.Contains(t, res.Attributes(), semconv.ServiceName("fedplan"))
}

func TestInitTelemetryDisabled(t *testing.T) {
	t.Setenv("FEDPLAN_OTEL_ENDPOINT", "")
	shutdown, err := InitTelemetry(context.Background(), TelemetryConfig{Enabled: false, Endpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

//go:build unit

package opentelemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInitializeTelemetryRequiresConfig(t *testing.T) {
	_, err := InitializeTelemetry(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilTelemetryConfig)
}

func TestInitializeTelemetryRequiresEndpointWhenEnabled(t *testing.T) {
	_, err := InitializeTelemetry(context.Background(), &TelemetryConfig{EnableTelemetry: true})
	assert.ErrorIs(t, err, ErrMissingEndpoint)
}

func TestInitializeTelemetryDisabled(t *testing.T) {
	tl, err := InitializeTelemetry(context.Background(), &TelemetryConfig{
		LibraryName: "settlement",
		ServiceName: "settlement-engine",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)

	assert.NotNil(t, tl.TracerProvider)
	assert.NotNil(t, tl.MeterProvider)
	assert.NotNil(t, tl.LoggerProvider)
	assert.NoError(t, tl.Shutdown(context.Background()))

	var nilTelemetry *Telemetry
	assert.NoError(t, nilTelemetry.Shutdown(context.Background()))
}

func TestExtractHTTPContext(t *testing.T) {
	_, err := InitializeTelemetry(context.Background(), &TelemetryConfig{})
	require.NoError(t, err)

	var got trace.SpanContext

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		got = trace.SpanContextFromContext(ExtractHTTPContext(c))
		return c.SendStatus(fiber.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.True(t, got.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got.TraceID().String())
}

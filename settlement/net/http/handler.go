package http

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns HTTP Status 200 with response "pong".
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version returns HTTP Status 200 with the running version.
func Version(c *fiber.Ctx) error {
	return Respond(c, fiber.StatusOK, fiber.Map{
		"version":     settlement.GetenvOrDefault("VERSION", "0.0.0"),
		"requestDate": time.Now().UTC(),
	})
}

// DependencyCheck is one dependency reported by HealthWithDependencies. A
// Pinger, a BreakerState or both may be set.
type DependencyCheck struct {
	Name string
	// Pinger marks the dependency unhealthy when Ping fails.
	Pinger Pinger
	// BreakerState reports a circuit breaker state; "open" is unhealthy.
	BreakerState func() string
}

// DependencyStatus is the health of one dependency.
type DependencyStatus struct {
	Healthy             bool   `json:"healthy"`
	CircuitBreakerState string `json:"circuit_breaker_state,omitempty"`
	Error               string `json:"error,omitempty"`
}

// HealthWithDependencies answers 200 ("available") when every dependency is
// healthy and 503 ("degraded") otherwise.
func HealthWithDependencies(dependencies ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		overallStatus := "available"
		httpStatus := fiber.StatusOK

		statuses := make(map[string]*DependencyStatus, len(dependencies))

		for _, dep := range dependencies {
			status := &DependencyStatus{Healthy: true}

			if dep.BreakerState != nil {
				status.CircuitBreakerState = dep.BreakerState()
				status.Healthy = status.CircuitBreakerState != "open"
			}

			if dep.Pinger != nil {
				if err := dep.Pinger.Ping(ctx); err != nil {
					status.Healthy = false
					status.Error = err.Error()
				}
			}

			if !status.Healthy {
				overallStatus = "degraded"
				httpStatus = fiber.StatusServiceUnavailable
			}

			statuses[dep.Name] = status
		}

		return Respond(c, httpStatus, fiber.Map{
			"status":       overallStatus,
			"dependencies": statuses,
		})
	}
}

// WithTelemetry starts one server span per request, continuing a trace
// propagated in the request headers, and stores the tracer and span in the
// user context.
func WithTelemetry(tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" || tracer == nil {
			return c.Next()
		}

		parent := settlement.ContextWithTracer(opentelemetry.ExtractHTTPContext(c), tracer)

		ctx, span := tracer.Start(parent, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.SetUserContext(ctx)

		err := c.Next()

		span.SetName(c.Method() + " " + c.Route().Path)
		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.Int("http.response.status_code", c.Response().StatusCode()),
		)

		return err
	}
}

// FiberErrorHandler is the fiber error handler of the engine. Fiber errors
// keep their status; anything else is logged and rendered via RenderError.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	opentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return RenderError(c, ErrorResponse{
			Code:    fe.Code,
			Title:   cn.DefaultErrorTitle,
			Message: fe.Message,
		})
	}

	settlement.NewLoggerFromContext(ctx).Log(ctx, log.LevelError,
		"handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.Err(err),
	)

	return RenderError(c, err)
}

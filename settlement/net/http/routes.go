package http

import (
	"context"
	"errors"

	"github.com/LerianStudio/lib-settlement/settlement"
	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
	"github.com/LerianStudio/lib-settlement/settlement/safekey"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the part of the settlement engine served over HTTP.
type Engine interface {
	CreateAccount(ctx context.Context, accountID string) error
	DeleteAccount(ctx context.Context, accountID string) error
	RequestSettlement(ctx context.Context, accountID, idempotencyKey string, q quantity.Quantity) (quantity.Quantity, error)
	HandleMessage(ctx context.Context, accountID string, body []byte) ([]byte, error)
}

// RouterConfig wires the dependencies of NewRouter.
type RouterConfig struct {
	Engine Engine
	Logger log.Logger
	Tracer trace.Tracer
	// Health lists the dependencies reported by GET /health.
	Health []DependencyCheck
}

// Handler serves the account routes.
type Handler struct {
	engine Engine
}

// NewRouter builds the fiber app of the engine.
func NewRouter(cfg RouterConfig) *fiber.App {
	logger := log.OrNop(cfg.Logger).With(log.Component("http"))

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("settlement.http")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          FiberErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			runtime.HandlePanicValue(c.UserContext(), logger, e, "http", c.Method()+" "+c.Path())
		},
	}))
	app.Use(WithHTTPLogging(WithCustomLogger(logger)))
	app.Use(WithTelemetry(tracer))

	app.Get("/health", HealthWithDependencies(cfg.Health...))
	app.Get("/version", Version)
	app.Get("/ping", Ping)

	h := &Handler{engine: cfg.Engine}

	accounts := app.Group("/accounts/:id")
	accounts.Put("", h.CreateAccount)
	accounts.Delete("", h.DeleteAccount)
	accounts.Post("/settlements", h.RequestSettlement)
	accounts.Post("/messages", h.HandleMessage)

	return app
}

// CreateAccount handles PUT /accounts/:id. Creating an existing account is
// not an error.
func (h *Handler) CreateAccount(c *fiber.Ctx) error {
	ctx := c.UserContext()
	accountID := c.Params("id")

	if err := h.engine.CreateAccount(ctx, accountID); err != nil {
		recordHandlerError(ctx, "failed to create account", err)

		return WithError(c, err)
	}

	return Created(c, fiber.Map{})
}

// DeleteAccount handles DELETE /accounts/:id and answers 204 even when the
// account was unknown.
func (h *Handler) DeleteAccount(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if err := h.engine.DeleteAccount(ctx, c.Params("id")); err != nil {
		recordHandlerError(ctx, "failed to delete account", err)

		if !settlement.IsBusinessError(err) {
			return WithError(c, err)
		}
	}

	return NoContent(c)
}

// RequestSettlement handles POST /accounts/:id/settlements. The body is a
// quantity and the Idempotency-Key header is required. The accepted quantity
// is echoed back.
func (h *Handler) RequestSettlement(c *fiber.Ctx) error {
	ctx := c.UserContext()
	accountID := c.Params("id")
	key := c.Get(cn.HeaderIdempotencyKey)

	if err := safekey.ValidateAccountID(accountID); err != nil {
		return WithError(c, err)
	}

	if err := safekey.ValidateIdempotencyKey(key); err != nil {
		return WithError(c, err)
	}

	q, err := ParseQuantityBody(c)
	if err != nil {
		return WithError(c, err)
	}

	accepted, err := h.engine.RequestSettlement(ctx, accountID, key, q)
	if err != nil {
		recordHandlerError(ctx, "failed to request settlement", err)

		// Settlement requests for unknown accounts are client errors, not 404s.
		if errors.Is(err, cn.ErrAccountNotFound) {
			return WithErrorStatus(c, err, fiber.StatusBadRequest)
		}

		return WithError(c, err)
	}

	return Created(c, accepted)
}

// HandleMessage handles POST /accounts/:id/messages, relaying the opaque body
// to the ledger adapter and answering with its reply bytes.
func (h *Handler) HandleMessage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	body := append([]byte(nil), c.Body()...)

	reply, err := h.engine.HandleMessage(ctx, c.Params("id"), body)
	if err != nil {
		recordHandlerError(ctx, "failed to handle message", err)

		return WithError(c, err)
	}

	c.Set(cn.HeaderContentType, cn.ContentTypeOctetStream)

	return c.Status(fiber.StatusCreated).Send(reply)
}

func recordHandlerError(ctx context.Context, msg string, err error) {
	opentelemetry.HandleSpanError(trace.SpanFromContext(ctx), msg, err)

	level := log.LevelError
	if settlement.IsBusinessError(err) {
		level = log.LevelDebug
	}

	settlement.NewLoggerFromContext(ctx).Log(ctx, level, msg, log.Err(err))
}

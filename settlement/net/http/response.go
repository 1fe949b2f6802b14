package http

import (
	"errors"
	"net/http"

	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every error answered by the engine.
type ErrorResponse struct {
	// HTTP status code
	Code int `json:"code"`
	// Error type identifier
	Title string `json:"title"`
	// Human-readable error message
	Message string `json:"message"`
}

// Error allows ErrorResponse to satisfy the error interface.
func (e ErrorResponse) Error() string {
	return e.Message
}

// Respond writes payload as JSON with status.
func Respond(c *fiber.Ctx, status int, payload any) error {
	return c.Status(status).JSON(payload)
}

// RespondError writes an ErrorResponse with status.
func RespondError(c *fiber.Ctx, status int, title, message string) error {
	return Respond(c, status, ErrorResponse{Code: status, Title: title, Message: message})
}

// Created answers 201 with payload.
func Created(c *fiber.Ctx, payload any) error {
	return Respond(c, fiber.StatusCreated, payload)
}

// NoContent answers 204 with an empty body.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// RenderError writes all transport errors through a single contract.
// Unknown errors become a 500 without leaking their message.
func RenderError(c *fiber.Ctx, err error) error {
	if err == nil {
		return nil
	}

	var presp *ErrorResponse
	if errors.As(err, &presp) && presp != nil {
		return renderErrorResponse(c, *presp)
	}

	var resp ErrorResponse
	if errors.As(err, &resp) {
		return renderErrorResponse(c, resp)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return RespondError(c, fiberErr.Code, cn.DefaultErrorTitle, fiberErr.Message)
	}

	return RespondError(c, fiber.StatusInternalServerError, cn.DefaultErrorTitle, "An internal error occurred")
}

func renderErrorResponse(c *fiber.Ctx, resp ErrorResponse) error {
	status := fiber.StatusInternalServerError
	if resp.Code >= http.StatusContinue && resp.Code <= 599 {
		status = resp.Code
	}

	title := resp.Title
	if title == "" {
		title = cn.DefaultErrorTitle
	}

	message := resp.Message
	if message == "" {
		message = http.StatusText(status)
	}

	return RespondError(c, status, title, message)
}

package http

import (
	"errors"

	"github.com/LerianStudio/lib-settlement/settlement"
	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/gofiber/fiber/v2"
)

// WithError renders err, mapping settlement business errors to 4xx.
func WithError(c *fiber.Ctx, err error) error {
	return RenderError(c, toErrorResponse(err, statusFor(err)))
}

// WithErrorStatus renders err like WithError but forces status for business
// errors. Non-business errors still render as 500.
func WithErrorStatus(c *fiber.Ctx, err error, status int) error {
	if !settlement.IsBusinessError(err) {
		return WithError(c, err)
	}

	return RenderError(c, toErrorResponse(err, status))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cn.ErrAccountNotFound):
		return fiber.StatusNotFound
	case settlement.IsBusinessError(err):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func toErrorResponse(err error, status int) error {
	var resp settlement.Response
	if !errors.As(settlement.ValidateBusinessError(err, "Account"), &resp) {
		return err
	}

	return ErrorResponse{
		Code:    status,
		Title:   resp.Title,
		Message: resp.Message,
	}
}

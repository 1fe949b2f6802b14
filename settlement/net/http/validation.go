package http

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	cn "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/quantity"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var (
	// ErrValidationFailed is returned when struct validation fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrValidatorInit is returned when custom validator registration fails.
	ErrValidatorInit = errors.New("validator initialization failed")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	if err := vld.RegisterValidation("quantity_amount", func(fl validator.FieldLevel) bool {
		return quantity.IsAmount(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'quantity_amount': %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the singleton validator instance.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct validates payload against its validate tags and returns the
// first failure.
func ValidateStruct(payload any) error {
	vld, initErr := GetValidator()
	if initErr != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, initErr)
	}

	if err := vld.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return formatValidationError(validationErrors[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

func formatValidationError(fe validator.FieldError) error {
	field := toSnakeCase(fe.Field())

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrValidationFailed, field)
	case "quantity_amount":
		return fmt.Errorf("%w: %s must be a non-negative integer string", ErrValidationFailed, field)
	case "gte", "lte":
		return fmt.Errorf("%w: %s must satisfy %s=%s", ErrValidationFailed, field, fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%w: %s failed on %s", ErrValidationFailed, field, fe.Tag())
	}
}

func toSnakeCase(s string) string {
	var b strings.Builder

	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}

			b.WriteRune(unicode.ToLower(r))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// ParseQuantityBody strictly decodes the request body as a quantity. Every
// failure wraps ErrInvalidQuantity.
func ParseQuantityBody(c *fiber.Ctx) (quantity.Quantity, error) {
	q, err := quantity.Parse(c.Body())
	if err != nil {
		return quantity.Quantity{}, err
	}

	if err := ValidateStruct(q); err != nil {
		return quantity.Quantity{}, fmt.Errorf("%w: %w", cn.ErrInvalidQuantity, err)
	}

	return q, nil
}

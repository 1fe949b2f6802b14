package settlement

import (
	"errors"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
)

// Response represents a business error with code, title, and message.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"err,omitempty"`
}

func (e Response) Error() string {
	return e.Message
}

func (e Response) Unwrap() error {
	return e.Err
}

type businessError struct {
	code  string
	title string
}

var businessErrors = map[error]businessError{
	constant.ErrInvalidAccountID:      {"0001", "Invalid Account ID"},
	constant.ErrInvalidIdempotencyKey: {"0002", "Invalid Idempotency Key"},
	constant.ErrInvalidQuantity:       {"0003", "Invalid Quantity"},
	constant.ErrZeroAmount:            {"0004", "Zero Amount"},
	constant.ErrScaleOverflow:         {"0005", "Scale Overflow"},
	constant.ErrInvalidMessage:        {"0006", "Invalid Message"},
	constant.ErrIdempotencyConflict:   {"0010", "Idempotency Conflict"},
	constant.ErrAccountExists:         {"0011", "Account Exists"},
	constant.ErrAccountNotFound:       {"0012", "Account Not Found"},
	constant.ErrMessagesUnsupported:   {"0013", "Messages Unsupported"},
}

// ValidateBusinessError maps a settlement sentinel (possibly wrapped) to a
// Response carrying its code, title and the full error message. Errors that
// are not business errors are returned unchanged.
func ValidateBusinessError(err error, entityType string) error {
	if err == nil {
		return nil
	}

	var existing Response
	if errors.As(err, &existing) {
		return existing
	}

	for sentinel, be := range businessErrors {
		if errors.Is(err, sentinel) {
			return Response{
				EntityType: entityType,
				Code:       be.code,
				Title:      be.title,
				Message:    err.Error(),
				Err:        err,
			}
		}
	}

	return err
}

// IsBusinessError reports whether err maps to a business error code.
func IsBusinessError(err error) bool {
	var resp Response
	if errors.As(err, &resp) {
		return true
	}

	for sentinel := range businessErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	return false
}

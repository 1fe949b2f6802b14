package constant

import "errors"

// Validation errors. Rejected at the boundary before any store access.
var (
	// ErrInvalidAccountID maps to settlement error code 0001.
	ErrInvalidAccountID = errors.New("account ID is missing or includes unsafe characters")
	// ErrInvalidIdempotencyKey maps to settlement error code 0002.
	ErrInvalidIdempotencyKey = errors.New("idempotency key is missing or includes unsafe characters")
	// ErrInvalidQuantity maps to settlement error code 0003.
	ErrInvalidQuantity = errors.New("quantity is invalid")
	// ErrZeroAmount maps to settlement error code 0004.
	ErrZeroAmount = errors.New("quantity to settle was 0")
	// ErrScaleOverflow maps to settlement error code 0005.
	ErrScaleOverflow = errors.New("amount requires a scale greater than 255")
	// ErrInvalidMessage maps to settlement error code 0006.
	ErrInvalidMessage = errors.New("message body is not valid JSON")
)

// Conflict and lookup errors. Surfaced to the caller without mutating state.
var (
	// ErrIdempotencyConflict maps to settlement error code 0010.
	ErrIdempotencyConflict = errors.New("idempotency key was reused with a different amount")
	// ErrAccountExists maps to settlement error code 0011.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound maps to settlement error code 0012.
	ErrAccountNotFound = errors.New("account does not exist")
	// ErrMessagesUnsupported maps to settlement error code 0013.
	ErrMessagesUnsupported = errors.New("settlement engine does not support incoming messages")
)

// Store concurrency and integrity errors.
var (
	// ErrLeaseContended is returned when a lease stayed contended after every optimistic retry.
	ErrLeaseContended = errors.New("lease was modified concurrently")
	// ErrLeaseNotFound is returned when a lease was resolved or expired before it could be committed.
	ErrLeaseNotFound = errors.New("lease no longer exists")
	// ErrCursorMoved is returned when the ledger cursor advanced under an incoming batch.
	ErrCursorMoved = errors.New("ledger cursor moved since it was read")
	// ErrCursorRegression is returned when a batch would move the ledger cursor backwards.
	ErrCursorRegression = errors.New("ledger cursor cannot move backwards")
	// ErrIntegrity marks conditions where accounting no longer balances.
	ErrIntegrity = errors.New("settlement integrity violation")
)

// Package safekey guards caller-supplied strings that become components of
// composite store keys.
package safekey

import (
	"strings"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
)

// IsSafe reports whether s is non-empty and free of the store key delimiter.
func IsSafe(s string) bool {
	return s != "" && !strings.Contains(s, constant.KeyDelimiter)
}

// ValidateAccountID returns ErrInvalidAccountID for unsafe account IDs.
func ValidateAccountID(accountID string) error {
	if !IsSafe(accountID) {
		return constant.ErrInvalidAccountID
	}

	return nil
}

// ValidateIdempotencyKey returns ErrInvalidIdempotencyKey for unsafe keys.
func ValidateIdempotencyKey(key string) error {
	if !IsSafe(key) {
		return constant.ErrInvalidIdempotencyKey
	}

	return nil
}

// Package quantity converts between the wire representation of an amount,
// {amount, scale} meaning amount x 10^-scale, and arbitrary-precision decimals.
package quantity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/shopspring/decimal"
)

// MaxScale is the largest scale a Quantity may carry.
const MaxScale = 255

var amountPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

// Quantity is the JSON wire form of an amount exchanged with the connector.
type Quantity struct {
	Amount string `json:"amount" validate:"required,quantity_amount"`
	Scale  int    `json:"scale"  validate:"gte=0,lte=255"`
}

// IsQuantity reports whether q is a valid wire quantity.
func IsQuantity(q Quantity) bool {
	return q.Scale >= 0 && q.Scale <= MaxScale && IsAmount(q.Amount)
}

// IsAmount reports whether s is a non-negative integer string without sign,
// decimal point, exponent or leading zeros.
func IsAmount(s string) bool {
	return amountPattern.MatchString(s)
}

// Validate returns ErrInvalidQuantity when q is not a valid quantity.
func Validate(q Quantity) error {
	if !IsQuantity(q) {
		return fmt.Errorf("%w: amount %q scale %d", constant.ErrInvalidQuantity, q.Amount, q.Scale)
	}

	return nil
}

type rawQuantity struct {
	Amount json.RawMessage `json:"amount"`
	Scale  json.RawMessage `json:"scale"`
}

// Parse strictly decodes a JSON quantity. The amount must be a JSON string and
// the scale a JSON number holding an integral value.
func Parse(data []byte) (Quantity, error) {
	var raw rawQuantity
	if err := json.Unmarshal(data, &raw); err != nil {
		return Quantity{}, fmt.Errorf("%w: %w", constant.ErrInvalidQuantity, err)
	}

	var amount string
	if len(raw.Amount) == 0 || raw.Amount[0] != '"' || json.Unmarshal(raw.Amount, &amount) != nil {
		return Quantity{}, fmt.Errorf("%w: amount must be a string", constant.ErrInvalidQuantity)
	}

	scale, err := parseScale(raw.Scale)
	if err != nil {
		return Quantity{}, err
	}

	q := Quantity{Amount: amount, Scale: scale}

	return q, Validate(q)
}

func parseScale(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: scale must be a number", constant.ErrInvalidQuantity)
	}

	d, err := decimal.NewFromString(string(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: scale must be a number", constant.ErrInvalidQuantity)
	}

	if !d.IsInteger() || d.LessThan(decimal.Zero) || d.GreaterThan(decimal.NewFromInt(MaxScale)) {
		return 0, fmt.Errorf("%w: scale must be an integer in [0, %d]", constant.ErrInvalidQuantity, MaxScale)
	}

	return int(d.IntPart()), nil
}

// ToDecimal decodes q into amount x 10^-scale.
func ToDecimal(q Quantity) (decimal.Decimal, error) {
	if err := Validate(q); err != nil {
		return decimal.Zero, err
	}

	coefficient, ok := new(big.Int).SetString(q.Amount, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: amount %q", constant.ErrInvalidQuantity, q.Amount)
	}

	return decimal.NewFromBigInt(coefficient, int32(-q.Scale)), nil
}

// FromDecimal encodes a non-negative decimal, choosing the scale equal to the
// number of significant fractional digits.
func FromDecimal(d decimal.Decimal) (Quantity, error) {
	if d.IsNegative() {
		return Quantity{}, fmt.Errorf("%w: negative amount %s", constant.ErrInvalidQuantity, d.String())
	}

	coefficient := new(big.Int).Set(d.Coefficient())
	exponent := d.Exponent()

	if coefficient.Sign() == 0 {
		return Quantity{Amount: "0", Scale: 0}, nil
	}

	ten := big.NewInt(10)
	quotient, remainder := new(big.Int), new(big.Int)

	for exponent < 0 {
		quotient.QuoRem(coefficient, ten, remainder)
		if remainder.Sign() != 0 {
			break
		}

		coefficient.Set(quotient)
		exponent++
	}

	if exponent > 0 {
		coefficient.Mul(coefficient, new(big.Int).Exp(ten, big.NewInt(int64(exponent)), nil))
		exponent = 0
	}

	scale := int(-exponent)
	if scale > MaxScale {
		return Quantity{}, fmt.Errorf("%w: %s", constant.ErrScaleOverflow, d.String())
	}

	return Quantity{Amount: coefficient.String(), Scale: scale}, nil
}

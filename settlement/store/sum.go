package store

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SumAmounts adds decimal strings as stored in accumulator lists.
func SumAmounts(values []string) (decimal.Decimal, error) {
	total := decimal.Zero

	for _, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse stored amount %q: %w", v, err)
		}

		total = total.Add(d)
	}

	return total, nil
}

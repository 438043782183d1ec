// Package money provides fixed-point decimal arithmetic for balances,
// prices and quantities. All operations work at a fixed scale of 18
// fractional digits — never float64 for money.
//
// The layer performs no bounds checking; callers compare before they
// subtract. Given identical inputs the results are identical on every
// platform, which matters because these values are persisted and compared
// across requests.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every monetary value.
const Scale = 18

// Zero is the zero value at scale 18.
var Zero = decimal.Zero

// Parse converts a decimal string into a value truncated to Scale digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d.Truncate(Scale), nil
}

// MustParse is Parse for trusted literals. Panics on malformed input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Add returns a + b.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b)
}

// Sub returns a - b. Callers must ensure via Cmp that the result is not
// driven below any invariant floor; Sub itself does not check.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b)
}

// Mul returns a * b truncated to Scale fractional digits.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Cmp compares a and b: -1 if a < b, 0 if equal, +1 if a > b.
func Cmp(a, b decimal.Decimal) int {
	return a.Cmp(b)
}

// Format renders a value with exactly Scale fractional digits, matching
// the representation the store persists.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

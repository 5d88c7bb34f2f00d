package terminal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinorUnits converts a major-unit decimal amount into minor currency units
// (e.g. 9.99 -> 999). Rounding is half up and happens exactly here, at the
// wire boundary. Negative amounts are rejected; refunds are expressed through
// the CREDIT command, not through a sign.
func MinorUnits(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative: %s", amount)
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}

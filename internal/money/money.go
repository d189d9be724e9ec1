package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// All amounts in this system are integers in the currency's minor unit
// (fils for JOD, cents for USD). Decimal strings exist only at the PSP
// wire boundary.

var exponents = map[string]int32{
	"JOD": 3,
	"BHD": 3,
	"KWD": 3,
	"TND": 3,
	"JPY": 0,
}

// Exponent returns the number of minor-unit digits for a currency code.
// Unknown currencies default to 2.
func Exponent(currency string) int32 {
	if exp, ok := exponents[currency]; ok {
		return exp
	}
	return 2
}

// FormatMinor renders a minor-unit amount as the decimal string a PSP
// expects, with the currency's full precision ("12.500" for 12500 JOD fils).
func FormatMinor(amount int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp)
}

// ParseMinor converts a PSP decimal string back into minor units. Excess
// precision is rejected rather than silently truncated.
func ParseMinor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	shifted := d.Shift(Exponent(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %s precision", s, currency)
	}
	return shifted.IntPart(), nil
}

// SplitCommission divides a captured total between the platform and the
// supplier. Commission is round(total*rate/100) with round-half-up on the
// minor unit; the supplier gets the exact remainder so the two legs always
// sum to the total.
func SplitCommission(total int64, ratePercent decimal.Decimal) (commission, supplier int64) {
	if total <= 0 {
		return 0, total
	}
	c := decimal.NewFromInt(total).
		Mul(ratePercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if c < 0 {
		c = 0
	}
	if c > total {
		c = total
	}
	return c, total - c
}

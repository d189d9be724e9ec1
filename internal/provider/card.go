package provider

import "strings"

// Card brands the engine recognises by IIN range.
const (
	BrandVisa       = "visa"
	BrandMastercard = "mastercard"
	BrandAmex       = "amex"
	BrandDiscover   = "discover"
	BrandJCB        = "jcb"
	BrandUnknown    = "unknown"
)

// ValidCardNumber runs the Luhn check over a PAN, ignoring spaces and
// dashes. Length must be 12-19 digits.
func ValidCardNumber(number string) bool {
	digits := normalizePAN(number)
	if len(digits) < 12 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// DetectCardBrand matches the PAN's leading digits against known IIN
// ranges. Unrecognised prefixes return BrandUnknown.
func DetectCardBrand(number string) string {
	d := normalizePAN(number)
	if len(d) < 4 {
		return BrandUnknown
	}
	switch {
	case d[0] == '4':
		return BrandVisa
	case inRange(d[:2], 51, 55) || inRange(d[:4], 2221, 2720):
		return BrandMastercard
	case d[:2] == "34" || d[:2] == "37":
		return BrandAmex
	case d[:4] == "6011" || d[:2] == "65":
		return BrandDiscover
	case inRange(d[:4], 3528, 3589):
		return BrandJCB
	}
	return BrandUnknown
}

// Last4 returns the trailing four digits for fingerprinting.
func Last4(number string) string {
	d := normalizePAN(number)
	if len(d) < 4 {
		return d
	}
	return d[len(d)-4:]
}

func normalizePAN(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return ""
		}
	}
	return b.String()
}

func inRange(prefix string, lo, hi int) bool {
	n := 0
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n >= lo && n <= hi
}

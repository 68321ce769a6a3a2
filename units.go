package gasless

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseUnits converts a human-readable decimal amount ("1.5", "0.01")
// into the token's integer base units. Conversion from human units
// happens here, at the boundary; everything past it works on *big.Int.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatUnits renders integer base units as a decimal string, trimming
// trailing zeros ("1500000000000000000" -> "1.5" at 18 decimals).
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(v)
	if v.Sign() < 0 {
		sign = "-"
	}

	digits := abs.String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	cut := len(digits) - decimals
	whole, frac := digits[:cut], digits[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

package starknet

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var addressRE = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// ValidAddress reports whether s looks like a hex felt address. Felts
// are at most 252 bits, so more than 64 hex digits is rejected.
func ValidAddress(s string) bool {
	return addressRE.MatchString(s) && len(s) <= 66
}

// NormalizeAddress lower-cases a hex address and left-pads it to 64
// digits.
func NormalizeAddress(s string) string {
	hex := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if len(hex) < 64 {
		hex = strings.Repeat("0", 64-len(hex)) + hex
	}
	return "0x" + hex
}

// ParseAmount converts a decimal string such as "0.015" into base units
// for a token with the given decimals. It is exact: no float rounding.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.ContainsAny(whole+frac, "+-eE") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > decimals {
		if strings.Trim(frac[decimals:], "0") != "" {
			return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
		}
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %q", s)
	}
	return v, nil
}

// FormatAmount renders base units as a decimal string, trimming
// trailing zeros ("1500000000000000000", 18 → "1.5").
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole, frac := digits[:len(digits)-decimals], strings.TrimRight(digits[len(digits)-decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// SplitUint256 encodes v as the (low, high) felt pair Cairo uses for
// u256 values.
func SplitUint256(v *big.Int) (low, high string) {
	h, l := new(big.Int).QuoRem(v, two128, new(big.Int))
	return "0x" + l.Text(16), "0x" + h.Text(16)
}

// JoinUint256 decodes a (low, high) felt pair.
func JoinUint256(low, high string) (*big.Int, error) {
	l, err := parseFelt(low)
	if err != nil {
		return nil, err
	}
	h, err := parseFelt(high)
	if err != nil {
		return nil, err
	}
	return h.Mul(h, two128).Add(h, l), nil
}

func parseFelt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid felt %q", s)
	}
	return v, nil
}

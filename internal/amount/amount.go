// Package amount provides shared parsing and formatting of native token
// amounts.
//
// The native token uses 18 decimal places. All amounts are held as
// uint256 values in the smallest unit (1 token = 10^18 wei).
package amount

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const Decimals = 18

// Ether is one whole token in wei.
var Ether = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// Parse converts a decimal string (e.g. "0.01") to its wei representation.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 18 decimal places
//   - Values that do not fit in 256 bits are rejected
func Parse(s string) (*uint256.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(uint256.Int), true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return new(uint256.Int), true
	}
	result, err := uint256.FromDecimal(combined)
	if err != nil {
		return nil, false
	}
	return result, true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) *uint256.Int {
	v, ok := Parse(s)
	if !ok {
		panic("amount: invalid decimal " + s)
	}
	return v
}

// ParseWei parses a plain base-10 wei integer.
func ParseWei(s string) (*uint256.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !digitsOnly(s) {
		return nil, false
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Format converts a wei value to a human-readable decimal string with
// trailing zeros trimmed (e.g. "0.0095"). Whole values have no decimal point.
func Format(v *uint256.Int) string {
	if v == nil || v.IsZero() {
		return "0"
	}
	s := v.Dec()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// Float64 returns an approximate token value, for metrics only.
func Float64(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), new(big.Float).SetInt(Ether.ToBig())).Float64()
	return f
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

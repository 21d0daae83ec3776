// Package token provides fixed-point token amount parsing and formatting.
//
// On-chain amounts are big.Int values in the token's smallest unit; the
// decimal precision varies per network (USDC is 6 on most chains). All
// human-facing amounts are decimal strings, never floats.
package token

import (
	"math/big"
	"strings"
)

// DefaultDecimals is the precision of USDC on the supported networks.
const DefaultDecimals = 6

// ToUnits converts a decimal string (e.g. "10.5") to its smallest-unit
// big.Int representation for the given precision (10500000 at 6 decimals).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional digits beyond the precision are truncated
func ToUnits(s string, decimals int) (*big.Int, bool) {
	if decimals < 0 {
		return nil, false
	}
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
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

	// Pad or trim the fraction to the token's precision.
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// FromUnits converts a smallest-unit big.Int back to a decimal string with
// exactly the given precision ("10.500000" at 6 decimals).
func FromUnits(amount *big.Int, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	zero := "0"
	if decimals > 0 {
		zero = "0." + strings.Repeat("0", decimals)
	}
	if amount == nil {
		return zero
	}

	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	result := s
	if decimals > 0 {
		split := len(s) - decimals
		result = s[:split] + "." + s[split:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

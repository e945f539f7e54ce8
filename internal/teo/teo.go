// Package teo provides shared fixed-point helpers for TEO and EUR amounts.
//
// TEO is accounted with 8 decimal places end to end. EUR prices use 2
// decimal places rounded half-up. The 18-decimal atomic projection exists
// only for adapter boundaries (chain mirror, legacy integer fields) and is
// computed with arbitrary precision, never capped.
package teo

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Decimals is the accounting precision of TEO amounts.
	Decimals = 8
	// AtomicDecimals is the precision of the on-chain atomic projection.
	AtomicDecimals = 18
	// EURDecimals is the precision of fiat amounts.
	EURDecimals = 2
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string to a TEO amount.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than 8 fractional digits are rejected (no silent truncation)
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, true
	}
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if d.Exponent() < -Decimals && !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, false
	}
	return d.Truncate(Decimals), true
}

// ParseEUR converts a decimal string to a EUR amount with at most 2 decimals.
func ParseEUR(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if !d.Equal(d.Truncate(EURDecimals)) {
		return decimal.Zero, false
	}
	return d, true
}

// Format renders a TEO amount with exactly 8 decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}

// FormatEUR renders a EUR amount with exactly 2 decimal places.
func FormatEUR(d decimal.Decimal) string {
	return d.StringFixed(EURDecimals)
}

// Floor truncates toward negative infinity at 8 decimals.
func Floor(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(Decimals)
}

// RoundEUR rounds half-up (away from zero) at 2 decimals.
func RoundEUR(d decimal.Decimal) decimal.Decimal {
	return d.Round(EURDecimals)
}

// ToAtomic projects a TEO amount to 18-decimal atomic units.
func ToAtomic(d decimal.Decimal) *big.Int {
	return d.Shift(AtomicDecimals).BigInt()
}

// FromAtomic converts atomic units back to TEO, flooring at 8 decimals.
func FromAtomic(atomic *big.Int) decimal.Decimal {
	if atomic == nil {
		return decimal.Zero
	}
	return Floor(decimal.NewFromBigInt(atomic, -AtomicDecimals))
}

// ParseAtomic parses a base-10 atomic-unit string.
func ParseAtomic(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(s, 10)
}

// FromEUR converts a EUR value into TEO at the given EUR-per-TEO rate,
// flooring at 8 decimals. A non-positive rate means 1:1.
func FromEUR(eur, rate decimal.Decimal) decimal.Decimal {
	if rate.Sign() <= 0 {
		return Floor(eur)
	}
	return Floor(eur.DivRound(rate, Decimals+4))
}

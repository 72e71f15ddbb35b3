// Package money provides shared RUB parsing and formatting utilities.
//
// Amounts use 2 decimal places and are carried as int64 kopeks
// (1 RUB = 100 kopeks). Postgres stores them as NUMERIC(12,2); the
// string forms produced by Format scan and bind cleanly on both sides.
package money

import (
	"fmt"
	"math"
	"strings"
)

const Decimals = 2

// RUB is an amount in kopeks.
type RUB int64

// Zero is the zero amount.
const Zero RUB = 0

// Parse converts a decimal string (e.g. "30.50") to kopeks (3050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (RUB, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var v int64
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
		if v < 0 {
			return 0, false // overflow
		}
	}
	return RUB(v), true
}

// MustParse is Parse that panics on invalid input. For constants and tests.
func MustParse(s string) RUB {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts kopeks to a decimal string with exactly 2 fractional
// digits (e.g. 3050 -> "30.50").
func (r RUB) Format() string {
	neg := r < 0
	abs := int64(r)
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		return "-" + s
	}
	return s
}

// String implements fmt.Stringer.
func (r RUB) String() string { return r.Format() }

// Positive reports whether the amount is strictly greater than zero.
func (r RUB) Positive() bool { return r > 0 }

// FromUSD converts a USD price to kopeks using the given rate and markup,
// rounding half away from zero to the nearest kopek.
func FromUSD(usd, usdToRub, markup float64) RUB {
	return RUB(math.Round(usd * usdToRub * markup * 100))
}

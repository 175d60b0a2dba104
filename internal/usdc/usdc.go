// Package usdc provides integer micro-USDC arithmetic.
//
// USDC has 6 decimal places. All budget-affecting quantities in the
// sentinel are carried as Micro (int64 micro-USDC, 1 USDC = 1,000,000
// units) so budget math never touches floating point. On-chain amounts
// arrive as *big.Int in the token's smallest unit, which for USDC is
// the same micro unit.
package usdc

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

const Decimals = 6

// Micro is an amount in micro-USDC (1 USDC = 1_000_000 Micro).
type Micro int64

// PerUSDC is the number of micro units in one USDC.
const PerUSDC Micro = 1_000_000

// FromUSDC converts a decimal USDC value to Micro, rounding half away
// from zero. Values beyond the int64 range are clamped.
func FromUSDC(v float64) Micro {
	scaled := v * float64(PerUSDC)
	if scaled >= math.MaxInt64 {
		return Micro(math.MaxInt64)
	}
	if scaled <= math.MinInt64 {
		return Micro(math.MinInt64)
	}
	return Micro(math.Round(scaled))
}

// USDC returns the amount as a float64 USDC value. Only for display and
// ratio math; never feed the result back into budget arithmetic.
func (m Micro) USDC() float64 {
	return float64(m) / float64(PerUSDC)
}

// String formats the amount as a decimal USDC string with 6 places,
// e.g. 250000 -> "0.250000".
func (m Micro) String() string {
	v := int64(m)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/int64(PerUSDC), v%int64(PerUSDC))
}

// BigInt returns the amount as a *big.Int in the token's smallest unit.
func (m Micro) BigInt() *big.Int {
	return big.NewInt(int64(m))
}

// FromBigInt converts an on-chain USDC amount to Micro. Returns false
// when the value is negative or does not fit in int64.
func FromBigInt(v *big.Int) (Micro, bool) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, false
	}
	return Micro(v.Int64()), true
}

// Parse converts a decimal string (e.g. "1.50") to Micro.
//
// Rules:
//   - Empty string parses to 0
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (Micro, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("usdc: negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("usdc: invalid amount %q", s)
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

	combined := strings.TrimLeft(whole+frac, "0")
	if combined == "" {
		return 0, nil
	}
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return 0, fmt.Errorf("usdc: invalid amount %q", s)
	}
	m, ok := FromBigInt(v)
	if !ok {
		return 0, fmt.Errorf("usdc: amount %q out of range", s)
	}
	return m, nil
}

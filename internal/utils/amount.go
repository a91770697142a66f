package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a ledger amount into on-chain integer units.
// Fractions below the token precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts on-chain integer units into a ledger amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// ParseBaseUnits parses a decimal string of base units as returned by indexers.
func ParseBaseUnits(s string, decimals int32) (decimal.Decimal, error) {
	units, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid integer amount %q", s)
	}
	return FromBaseUnits(units, decimals), nil
}

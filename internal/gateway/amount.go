package gateway

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// API amounts are decimal token strings ("100.5"); the ledger works in
// 18-decimal base units.
const assetDecimals = 18

var errBadAmount = errors.New("malformed amount")

// parseAmount converts a decimal token amount into base units.
func parseAmount(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errBadAmount
	}
	if d.IsNegative() {
		return nil, errBadAmount
	}

	scaled := d.Shift(assetDecimals)
	if !scaled.IsInteger() {
		return nil, errBadAmount
	}

	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, errBadAmount
	}
	return v, nil
}

// formatAmount renders base units as a decimal token amount.
func formatAmount(v *uint256.Int) string {
	return decimal.NewFromBigInt(v.ToBig(), -assetDecimals).String()
}

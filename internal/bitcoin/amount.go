package bitcoin

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("bitcoin: invalid amount")

// ParseAmount parses a decimal BTC string such as "0.015". Amounts finer
// than one satoshi are rejected rather than rounded.
func ParseAmount(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, s)
	}
	sats := d.Shift(8)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than 8 decimal places in %q", ErrInvalidAmount, s)
	}
	if !sats.BigInt().IsInt64() || sats.BigInt().Int64() > int64(btcutil.MaxSatoshi) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return btcutil.Amount(sats.IntPart()), nil
}

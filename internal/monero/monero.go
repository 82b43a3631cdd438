// Package monero holds the Monero-side types of a swap and the port to the
// local Monero wallet.
package monero

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount     = errors.New("monero: invalid amount")
	ErrInvalidKey        = errors.New("monero: invalid key")
	ErrInsufficientFunds = errors.New("monero: transfer amount below expected")
	ErrTransferNotFound  = errors.New("monero: transfer not found")
)

// PiconeroPerXMR is the number of atomic units in one XMR.
const PiconeroPerXMR = 1_000_000_000_000

const decimals = 12

// Amount is a quantity of XMR in piconero.
type Amount uint64

// ParseAmount parses a decimal XMR string such as "1.5".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, s)
	}
	atomic := d.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places in %q", ErrInvalidAmount, decimals, s)
	}
	if !atomic.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return Amount(atomic.BigInt().Uint64()), nil
}

// FromPiconero is a readability helper for literals.
func FromPiconero(p uint64) Amount { return Amount(p) }

func (a Amount) AsPiconero() uint64 { return uint64(a) }

// Decimal returns the amount in XMR.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -decimals)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(decimals) + " XMR"
}

// TransferProof identifies Alice's lock transfer so Bob can look it up
// without scanning the whole chain.
type TransferProof struct {
	TxHash string     `json:"txHash"`
	TxKey  PrivateKey `json:"txKey"`
}

// WatchRequest describes a transfer into the shared swap address.
type WatchRequest struct {
	PublicSpendKey PublicKey
	PrivateViewKey PrivateKey
	Amount         Amount
	Proof          TransferProof
	Confirmations  uint64
	RestoreHeight  uint64
}

// Wallet is the local Monero wallet.
type Wallet interface {
	BlockHeight(ctx context.Context) (uint64, error)

	// WatchForTransfer blocks until the transfer named by req.Proof pays at
	// least req.Amount to the shared address and has req.Confirmations.
	WatchForTransfer(ctx context.Context, req WatchRequest) error

	// CreateFromKeys imports the full swap key pair and sweeps the output into
	// the local wallet. restoreHeight bounds the rescan.
	CreateFromKeys(ctx context.Context, spend, view PrivateKey, restoreHeight uint64) (Address, error)
}

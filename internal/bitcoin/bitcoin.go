// Package bitcoin holds the Bitcoin-side types of a swap and the port to the
// local Bitcoin wallet.
//
// Transaction construction and signing of wallet-owned inputs live behind
// the Wallet interface; this package only carries what the swap protocol
// needs to reason about: transaction identities, sighashes, confirmation
// status and adaptor signatures.
package bitcoin

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrTxNotFound          = errors.New("bitcoin: transaction not found")
	ErrTxConflict          = errors.New("bitcoin: transaction conflicts with a confirmed spend")
	ErrTxAlreadyKnown      = errors.New("bitcoin: transaction already in mempool or chain")
	ErrTimelockNotExpired  = errors.New("bitcoin: timelock not expired")
	ErrInsufficientFunds   = errors.New("bitcoin: insufficient funds")
	ErrInvalidSignature    = errors.New("bitcoin: invalid signature")
	ErrInvalidEncSignature = errors.New("bitcoin: invalid encrypted signature")
	ErrInvalidKey          = errors.New("bitcoin: invalid key")
)

// PublishError wraps a failed broadcast with the transaction it concerned.
type PublishError struct {
	Kind TxKind
	TxID chainhash.Hash
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("bitcoin: publish %s tx %s failed: %v", e.Kind, e.TxID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// TxKind names one of the transactions of the swap contract.
type TxKind string

const (
	TxLock   TxKind = "lock"
	TxCancel TxKind = "cancel"
	TxRefund TxKind = "refund"
	TxPunish TxKind = "punish"
	TxRedeem TxKind = "redeem"
)

// Tx is a wallet-built swap transaction. SigHash is the digest each party
// signs to authorise spending the contract output.
type Tx struct {
	Kind    TxKind         `json:"kind"`
	ID      chainhash.Hash `json:"id"`
	SigHash chainhash.Hash `json:"sigHash"`
	Amount  btcutil.Amount `json:"amount"`
	Fee     btcutil.Amount `json:"fee"`
	Raw     []byte         `json:"raw,omitempty"`
}

// SwapTxs is the full set of transactions spending from, or funding, the
// lock output.
type SwapTxs struct {
	Lock   Tx `json:"lock"`
	Cancel Tx `json:"cancel"`
	Refund Tx `json:"refund"`
	Punish Tx `json:"punish"`
	Redeem Tx `json:"redeem"`
}

// TxParams describes the swap contract the wallet should build.
type TxParams struct {
	Amount         btcutil.Amount
	A              *PublicKey // Alice
	B              *PublicKey // Bob
	CancelTimelock uint32
	PunishTimelock uint32
	RefundAddress  string
	RedeemAddress  string
	PunishAddress  string
}

// TxStatus is the wallet's view of a transaction.
type TxStatus struct {
	InMempool     bool   `json:"inMempool"`
	Confirmations uint32 `json:"confirmations"`
}

// Seen reports whether the transaction was broadcast, confirmed or not.
func (s TxStatus) Seen() bool {
	return s.InMempool || s.Confirmations > 0
}

// -----------------------------------------------------------------------------
// Wallet port
// -----------------------------------------------------------------------------

// Wallet is the local Bitcoin wallet. Implementations must be safe for
// concurrent use by several swaps.
type Wallet interface {
	Balance(ctx context.Context) (btcutil.Amount, error)
	EstimateFee(ctx context.Context, kind TxKind) (btcutil.Amount, error)
	BuildSwapTxs(ctx context.Context, p TxParams) (*SwapTxs, error)

	// Publish broadcasts tx. For the lock transaction the wallet signs its
	// own inputs; for contract spends sigs are the witness signatures.
	// Rebroadcasting a known transaction fails with ErrTxAlreadyKnown, so
	// callers check TxStatus first when a prior run may have published it.
	Publish(ctx context.Context, tx Tx, sigs ...[]byte) (chainhash.Hash, error)
	WaitForConfirmations(ctx context.Context, txid chainhash.Hash, confs uint32) error
	TxStatus(ctx context.Context, txid chainhash.Hash) (TxStatus, error)

	// EncSign produces an adaptor signature by key over sighash, encrypted
	// under encKey. It must be deterministic: a swap resumed after a crash
	// re-sends the signature, and Alice must get the same one twice.
	EncSign(ctx context.Context, key *PrivateKey, encKey *PublicKey, sighash chainhash.Hash) (EncryptedSignature, error)

	// WatchForSignature blocks until tx is seen on chain and returns the
	// witness signature made by key.
	WatchForSignature(ctx context.Context, tx Tx, key *PublicKey) ([]byte, error)

	BlockHeight(ctx context.Context) (uint32, error)
}

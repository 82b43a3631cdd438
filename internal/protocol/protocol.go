// Package protocol implements Bob's cryptographic setup for a BTC/XMR swap.
//
// Each State value is what Bob knows after one more round of the handshake
// or one more on-chain step. States are plain values: methods return a new
// state and never modify the receiver, and every state round-trips through
// JSON so it can be checkpointed.
//
// Key material:
//
//	b      Bob's Bitcoin signing key (2-of-2 with Alice's a)
//	s_b    Bob's share of the Monero spend key, also used as a secp256k1
//	       scalar; Alice's refund adaptor signature is encrypted under it
//	v_b    Bob's share of the Monero view key, revealed to Alice
//
// Alice's s_a is the secret Bob learns when she redeems the bitcoin; with it
// Bob can spend the Monero output at s_a + s_b.
package protocol

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
)

var (
	ErrInvalidMessage = errors.New("protocol: invalid counterparty message")
	ErrAmountTooLow   = errors.New("protocol: amount does not cover cancel and refund fees")
	ErrSecretMismatch = errors.New("protocol: recovered secret does not match counterparty key")
)

// DustLimit is the smallest refund output worth creating.
const DustLimit btcutil.Amount = 546

// DefaultMoneroConfirmations is how deep Alice's lock must be before Bob
// hands over his redeem signature.
const DefaultMoneroConfirmations = 10

// Amounts are the quantities both sides agreed to swap.
type Amounts struct {
	BTC btcutil.Amount `json:"btc"`
	XMR monero.Amount  `json:"xmr"`
}

func (a Amounts) String() string {
	return fmt.Sprintf("%s for %s", a.BTC, a.XMR)
}

// Validate rejects amounts no lock output could carry.
func (a Amounts) Validate() error {
	if a.BTC <= DustLimit {
		return fmt.Errorf("%w: %s is at or below dust", ErrAmountTooLow, a.BTC)
	}
	if a.XMR == 0 {
		return fmt.Errorf("%w: zero xmr", ErrAmountTooLow)
	}
	return nil
}

// Config carries the locally chosen swap parameters.
type Config struct {
	CancelTimelock      uint32
	PunishTimelock      uint32
	RefundAddress       string
	MoneroConfirmations uint64
}

// SecpSpendKey reinterprets a Monero spend share on secp256k1. Scalars
// below the ed25519 order are valid on both curves.
func SecpSpendKey(k monero.PrivateKey) (*bitcoin.PrivateKey, error) {
	return bitcoin.PrivateKeyFromBytes(k.BigEndian())
}

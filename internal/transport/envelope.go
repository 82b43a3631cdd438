// Package transport carries the swap protocol between Bob and Alice over a
// websocket.
//
// Every call Bob's driver makes on its connection becomes one request
// envelope; the peer answers with an envelope carrying the same ID and
// either a payload or a wire error. Requests on one connection are strictly
// sequential. A failed or abandoned call drops the socket and the next Dial
// opens a fresh one, so a reply can never be matched to the wrong request.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/swapd/internal/protocol"
)

// Message types. Bob* and request types travel Bob to Alice with a payload;
// Alice* and proof types are requests for Alice's next message.
const (
	TypeRequestAmounts = "request_amounts"
	TypeBobRound0      = "bob_round0"
	TypeAliceRound0    = "alice_round0"
	TypeBobRound1      = "bob_round1"
	TypeAliceRound1    = "alice_round1"
	TypeBobRound2      = "bob_round2"
	TypeTransferProof  = "transfer_proof"
	TypeEncryptedSig   = "encrypted_signature"
)

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrPeerUnavailable = errors.New("transport: peer unavailable")
	ErrUnexpectedReply = errors.New("transport: unexpected reply")
	ErrUnknownType     = errors.New("transport: unknown message type")
	// ErrPeer is a failure the peer reported without a more specific code.
	ErrPeer = errors.New("transport: peer error")
)

// Envelope is the unit on the wire.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is a peer-side failure. Code survives the trip so the caller can
// match it with errors.Is.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type amountsRequest struct {
	BTC btcutil.Amount `json:"btc"`
}

var wireCodes = []struct {
	code string
	err  error
}{
	{"invalid_message", protocol.ErrInvalidMessage},
	{"amount_too_low", protocol.ErrAmountTooLow},
	{"unknown_type", ErrUnknownType},
}

func encodeError(err error) *WireError {
	for _, wc := range wireCodes {
		if errors.Is(err, wc.err) {
			return &WireError{Code: wc.code, Message: err.Error()}
		}
	}
	return &WireError{Code: "peer_error", Message: err.Error()}
}

func (e *WireError) decode() error {
	for _, wc := range wireCodes {
		if e.Code == wc.code {
			return fmt.Errorf("%w: %s", wc.err, e.Message)
		}
	}
	return fmt.Errorf("%w: %s", ErrPeer, e.Message)
}

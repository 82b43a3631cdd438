package swap

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/protocol"
)

// State is one of Bob's swap states. The set is closed: only this package
// implements it, and every switch over states handles every case.
type State interface {
	// Name is the stable identifier used in logs, metrics and the store.
	Name() string
	isState()
}

// Started: local keys generated, nothing sent.
type Started struct {
	State0  protocol.State0  `json:"state0"`
	Amounts protocol.Amounts `json:"amounts"`
}

// Negotiated: handshake complete, nothing on chain.
type Negotiated struct {
	State2 protocol.State2 `json:"state2"`
}

// BtcLocked: Bob's lock transaction is confirmed.
type BtcLocked struct {
	State3 protocol.State3 `json:"state3"`
}

// XmrLocked: Alice's Monero lock is confirmed.
type XmrLocked struct {
	State4 protocol.State4 `json:"state4"`
}

// EncSigSent: Alice holds Bob's redeem adaptor signature.
type EncSigSent struct {
	State4         protocol.State4            `json:"state4"`
	TxRedeemEncSig bitcoin.EncryptedSignature `json:"txRedeemEncSig"`
}

// BtcRedeemed: Alice redeemed and Bob recovered her spend share.
type BtcRedeemed struct {
	State5 protocol.State5 `json:"state5"`
}

// CancelTimelockExpired: the lock output may be cancelled.
type CancelTimelockExpired struct {
	State4 protocol.State4 `json:"state4"`
}

// BtcCancelled: the cancel transaction is confirmed.
type BtcCancelled struct {
	State4 protocol.State4 `json:"state4"`
}

// BtcRefunded: Bob has his bitcoin back.
type BtcRefunded struct {
	State4 protocol.State4 `json:"state4"`
}

// BtcPunished: the punish timelock expired before Bob refunded.
type BtcPunished struct {
	TxLockID chainhash.Hash `json:"txLockId"`
}

// XmrRedeemed: Bob owns the Monero. The swap succeeded.
type XmrRedeemed struct {
	TxLockID chainhash.Hash `json:"txLockId"`
}

// SafelyAborted: the swap was abandoned before anything was locked.
type SafelyAborted struct{}

const (
	NameStarted               = "started"
	NameNegotiated            = "negotiated"
	NameBtcLocked             = "btc_locked"
	NameXmrLocked             = "xmr_locked"
	NameEncSigSent            = "enc_sig_sent"
	NameBtcRedeemed           = "btc_redeemed"
	NameCancelTimelockExpired = "cancel_timelock_expired"
	NameBtcCancelled          = "btc_cancelled"
	NameBtcRefunded           = "btc_refunded"
	NameBtcPunished           = "btc_punished"
	NameXmrRedeemed           = "xmr_redeemed"
	NameSafelyAborted         = "safely_aborted"
)

func (Started) Name() string               { return NameStarted }
func (Negotiated) Name() string            { return NameNegotiated }
func (BtcLocked) Name() string             { return NameBtcLocked }
func (XmrLocked) Name() string             { return NameXmrLocked }
func (EncSigSent) Name() string            { return NameEncSigSent }
func (BtcRedeemed) Name() string           { return NameBtcRedeemed }
func (CancelTimelockExpired) Name() string { return NameCancelTimelockExpired }
func (BtcCancelled) Name() string          { return NameBtcCancelled }
func (BtcRefunded) Name() string           { return NameBtcRefunded }
func (BtcPunished) Name() string           { return NameBtcPunished }
func (XmrRedeemed) Name() string           { return NameXmrRedeemed }
func (SafelyAborted) Name() string         { return NameSafelyAborted }

func (Started) isState()               {}
func (Negotiated) isState()            {}
func (BtcLocked) isState()             {}
func (XmrLocked) isState()             {}
func (EncSigSent) isState()            {}
func (BtcRedeemed) isState()           {}
func (CancelTimelockExpired) isState() {}
func (BtcCancelled) isState()          {}
func (BtcRefunded) isState()           {}
func (BtcPunished) isState()           {}
func (XmrRedeemed) isState()           {}
func (SafelyAborted) isState()         {}

// IsComplete reports whether s is terminal.
func IsComplete(s State) bool {
	switch s.(type) {
	case BtcRefunded, XmrRedeemed, BtcPunished, SafelyAborted:
		return true
	}
	return false
}

func IsBtcLocked(s State) bool {
	_, ok := s.(BtcLocked)
	return ok
}

func IsXmrLocked(s State) bool {
	_, ok := s.(XmrLocked)
	return ok
}

func IsEncSigSent(s State) bool {
	_, ok := s.(EncSigSent)
	return ok
}

// Abortable reports whether nothing has been committed on chain yet, so the
// swap can end in SafelyAborted.
func Abortable(s State) bool {
	switch s.(type) {
	case Started, Negotiated:
		return true
	}
	return false
}

// TxLockID returns the lock transaction id once one exists.
func TxLockID(s State) (chainhash.Hash, bool) {
	switch st := s.(type) {
	case Negotiated:
		return st.State2.TxLockID(), true
	case BtcLocked:
		return st.State3.TxLockID(), true
	case XmrLocked:
		return st.State4.TxLockID(), true
	case EncSigSent:
		return st.State4.TxLockID(), true
	case BtcRedeemed:
		return st.State5.TxLockID(), true
	case CancelTimelockExpired:
		return st.State4.TxLockID(), true
	case BtcCancelled:
		return st.State4.TxLockID(), true
	case BtcRefunded:
		return st.State4.TxLockID(), true
	case BtcPunished:
		return st.TxLockID, true
	case XmrRedeemed:
		return st.TxLockID, true
	}
	return chainhash.Hash{}, false
}

// Encode serializes s for the store.
func Encode(s State) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", s.Name(), err)
	}
	return data, nil
}

// Decode restores a state written by Encode.
func Decode(name string, payload json.RawMessage) (State, error) {
	switch name {
	case NameStarted:
		return decodeAs[Started](name, payload)
	case NameNegotiated:
		return decodeAs[Negotiated](name, payload)
	case NameBtcLocked:
		return decodeAs[BtcLocked](name, payload)
	case NameXmrLocked:
		return decodeAs[XmrLocked](name, payload)
	case NameEncSigSent:
		return decodeAs[EncSigSent](name, payload)
	case NameBtcRedeemed:
		return decodeAs[BtcRedeemed](name, payload)
	case NameCancelTimelockExpired:
		return decodeAs[CancelTimelockExpired](name, payload)
	case NameBtcCancelled:
		return decodeAs[BtcCancelled](name, payload)
	case NameBtcRefunded:
		return decodeAs[BtcRefunded](name, payload)
	case NameBtcPunished:
		return decodeAs[BtcPunished](name, payload)
	case NameXmrRedeemed:
		return decodeAs[XmrRedeemed](name, payload)
	case NameSafelyAborted:
		return SafelyAborted{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

func decodeAs[T State](name string, payload json.RawMessage) (State, error) {
	var s T
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return s, nil
}

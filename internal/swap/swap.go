// Package swap drives Bob's side of a BTC/XMR atomic swap.
//
// A swap is a linear chain of states. The driver takes the current state,
// performs exactly one transition, appends the new state to the store and
// repeats until the caller's target predicate holds:
//
//	Started                -> Negotiated             handshake with Alice
//	Negotiated             -> BtcLocked              publish and confirm lock tx
//	BtcLocked              -> XmrLocked              transfer proof, then Monero lock confirmed
//	                       -> CancelTimelockExpired  cancel timelock wins either race
//	XmrLocked              -> EncSigSent             redeem adaptor signature delivered
//	                       -> CancelTimelockExpired
//	EncSigSent             -> BtcRedeemed            Alice's redeem seen, s_a recovered
//	                       -> CancelTimelockExpired
//	BtcRedeemed            -> XmrRedeemed            Monero claimed
//	CancelTimelockExpired  -> BtcCancelled           cancel tx confirmed (published if missing)
//	BtcCancelled           -> BtcRefunded            refund confirmed
//	                       -> BtcPunished            punish timelock already expired
//
// BtcRefunded, BtcPunished, XmrRedeemed and SafelyAborted are terminal.
// SafelyAborted is only reachable from Started and Negotiated, through
// Manager.Abandon.
//
// Every wait on Alice or the chain before the cancel path is raced against
// the cancel timelock, so a silent counterparty can never hold Bob's
// bitcoin past it.
package swap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/timelock"
)

var (
	ErrSwapNotFound      = errors.New("swap not found")
	ErrUnknownState      = errors.New("unknown swap state")
	ErrAlreadyLocked     = errors.New("swap has funds on chain and cannot be abandoned")
	ErrAlreadyComplete   = errors.New("swap already complete")
	ErrSwapBusy          = errors.New("swap is already being driven")
	ErrInvariantViolated = errors.New("swap invariant violated")
	ErrDuplicateState    = errors.New("state already recorded")
)

// InvariantError reports a state the driver must never reach. It signals a
// bug, not an environment failure, and is not worth retrying.
type InvariantError struct {
	State  string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("swap invariant violated in %s: %s", e.State, e.Reason)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolated }

// Connection is Bob's session with Alice. Every call may block and must
// return when ctx is cancelled.
type Connection interface {
	Dial(ctx context.Context) error
	RequestAmounts(ctx context.Context, btc btcutil.Amount) error

	SendRound0(ctx context.Context, msg protocol.BobRound0) error
	RecvRound0(ctx context.Context) (protocol.AliceRound0, error)
	SendRound1(ctx context.Context, msg protocol.BobRound1) error
	RecvRound1(ctx context.Context) (protocol.AliceRound1, error)
	SendRound2(ctx context.Context, msg protocol.BobRound2) error

	RecvTransferProof(ctx context.Context) (protocol.TransferProof, error)
	SendEncryptedSignature(ctx context.Context, msg protocol.EncryptedSignatureMessage) error
}

// TimelockOracle reports and waits on timelock expiry.
type TimelockOracle interface {
	Status(ctx context.Context, p timelock.Params) (timelock.Status, error)
	AwaitCancelReady(ctx context.Context, p timelock.Params) error
}

// Swap is one swap session. The driver owns it for the duration of a run.
type Swap struct {
	ID        uuid.UUID
	State     State
	Conn      Connection
	Store     Store
	Bitcoin   bitcoin.Wallet
	Monero    monero.Wallet
	Timelocks TimelockOracle
	Rand      io.Reader
	Logger    *slog.Logger
}

func (s *Swap) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

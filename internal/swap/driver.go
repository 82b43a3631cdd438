package swap

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/mbd888/swapd/internal/logging"
	"github.com/mbd888/swapd/internal/metrics"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/timelock"
	"github.com/mbd888/swapd/internal/traces"
)

// Run drives the swap until it reaches a terminal state.
func Run(ctx context.Context, s *Swap) (State, error) {
	return RunUntil(ctx, s, IsComplete)
}

// RunUntil drives the swap until target holds for its state or the state is
// terminal. Each reached state is appended to the store before the next
// transition starts. On error the swap is left at the last recorded state
// and can be resumed from it.
func RunUntil(ctx context.Context, s *Swap, target func(State) bool) (State, error) {
	ctx = logging.WithLogger(ctx, s.logger())
	ctx = logging.WithSwapID(ctx, s.ID.String())
	log := logging.L(ctx)

	metrics.ActiveSwaps.Inc()
	defer metrics.ActiveSwaps.Dec()

	for {
		log.Info("current state", "state", s.State.Name())
		if target(s.State) || IsComplete(s.State) {
			return s.State, nil
		}

		next, err := s.advance(ctx)
		if err != nil {
			log.Error("swap step failed", "state", s.State.Name(), "error", err)
			return s.State, err
		}

		rec, err := newRecord(s.ID, next)
		if err != nil {
			return s.State, err
		}
		if err := s.Store.Append(ctx, rec); err != nil {
			return s.State, fmt.Errorf("recording %s: %w", next.Name(), err)
		}

		log.Info("swap transitioned", "from", s.State.Name(), "to", next.Name(), "seq", rec.Seq)
		metrics.SwapTransitionsTotal.WithLabelValues(s.State.Name(), next.Name()).Inc()
		if IsComplete(next) {
			metrics.SwapsCompletedTotal.WithLabelValues(next.Name()).Inc()
		}
		s.State = next
	}
}

// advance performs one transition out of the current state inside a span.
func (s *Swap) advance(ctx context.Context) (State, error) {
	from := s.State.Name()
	ctx, span := traces.StartSpan(ctx, "swap.step",
		traces.SwapID(s.ID.String()),
		traces.SwapState(from),
	)
	defer span.End()

	start := time.Now()
	next, err := s.step(ctx, s.State)
	metrics.SwapStepDuration.WithLabelValues(from).Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err, "swap step failed")
		return nil, err
	}
	return next, nil
}

func (s *Swap) step(ctx context.Context, current State) (State, error) {
	switch st := current.(type) {
	case Started:
		if err := s.Conn.Dial(ctx); err != nil {
			return nil, fmt.Errorf("dialling peer: %w", err)
		}
		state2, err := Negotiate(ctx, st.State0, st.Amounts, s.Conn, s.rand(), s.Bitcoin)
		if err != nil {
			return nil, err
		}
		return Negotiated{State2: state2}, nil

	case Negotiated:
		if err := s.Conn.Dial(ctx); err != nil {
			return nil, fmt.Errorf("dialling peer: %w", err)
		}
		state3, err := st.State2.LockBTC(ctx, s.Bitcoin)
		if err != nil {
			return nil, err
		}
		logging.L(ctx).Info("bitcoin locked", "txid", state3.TxLockID().String())
		return BtcLocked{State3: state3}, nil

	case BtcLocked:
		return s.stepBtcLocked(ctx, st.State3)

	case XmrLocked:
		return s.stepXmrLocked(ctx, st.State4)

	case EncSigSent:
		return s.stepEncSigSent(ctx, st)

	case BtcRedeemed:
		addr, err := st.State5.ClaimXMR(ctx, s.Monero)
		if err != nil {
			return nil, err
		}
		logging.L(ctx).Info("monero claimed", "address", string(addr))
		return XmrRedeemed{TxLockID: st.State5.TxLockID()}, nil

	case CancelTimelockExpired:
		exists, err := st.State4.CheckForTxCancel(ctx, s.Bitcoin)
		if err != nil {
			return nil, err
		}
		if !exists {
			txid, err := st.State4.SubmitTxCancel(ctx, s.Bitcoin)
			if err != nil {
				return nil, err
			}
			logging.L(ctx).Info("cancel published", "txid", txid.String())
		}
		return BtcCancelled{State4: st.State4}, nil

	case BtcCancelled:
		status, err := s.Timelocks.Status(ctx, st.State4.TimelockParams())
		if err != nil {
			return nil, err
		}
		switch status {
		case timelock.None:
			return nil, &InvariantError{State: NameBtcCancelled, Reason: "cancel timelock reported unexpired after cancel confirmed"}
		case timelock.Cancel:
			if err := st.State4.RefundBTC(ctx, s.Bitcoin); err != nil {
				return nil, err
			}
			return BtcRefunded{State4: st.State4}, nil
		case timelock.Punish:
			logging.L(ctx).Warn("punish timelock expired before refund")
			return BtcPunished{TxLockID: st.State4.TxLockID()}, nil
		}
		return nil, &InvariantError{State: NameBtcCancelled, Reason: fmt.Sprintf("unknown timelock status %d", status)}

	case BtcRefunded, BtcPunished, XmrRedeemed, SafelyAborted:
		return current, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownState, current)
}

func (s *Swap) stepBtcLocked(ctx context.Context, state3 protocol.State3) (State, error) {
	params := state3.TimelockParams()
	expired, err := s.cancelReady(ctx, params)
	if err != nil {
		return nil, err
	}
	if expired {
		return CancelTimelockExpired{State4: state3.State4()}, nil
	}

	if err := s.Conn.Dial(ctx); err != nil {
		return nil, fmt.Errorf("dialling peer: %w", err)
	}
	restoreHeight, err := s.Monero.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("monero block height: %w", err)
	}

	msg, expired, err := raceExpiry(ctx, s.Timelocks, params, s.Conn.RecvTransferProof)
	if err != nil {
		return nil, fmt.Errorf("waiting for transfer proof: %w", err)
	}
	if expired {
		return CancelTimelockExpired{State4: state3.State4()}, nil
	}
	logging.L(ctx).Debug("received transfer proof", "txHash", msg.Proof.TxHash)

	state4, expired, err := raceExpiry(ctx, s.Timelocks, params, func(ctx context.Context) (protocol.State4, error) {
		return state3.WatchForLockXMR(ctx, s.Monero, msg.Proof, restoreHeight)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return CancelTimelockExpired{State4: state3.State4()}, nil
	}
	return XmrLocked{State4: state4}, nil
}

func (s *Swap) stepXmrLocked(ctx context.Context, state4 protocol.State4) (State, error) {
	params := state4.TimelockParams()
	expired, err := s.cancelReady(ctx, params)
	if err != nil {
		return nil, err
	}
	if expired {
		return CancelTimelockExpired{State4: state4}, nil
	}

	if err := s.Conn.Dial(ctx); err != nil {
		return nil, fmt.Errorf("dialling peer: %w", err)
	}
	encsig, err := state4.TxRedeemEncSig(ctx, s.Bitcoin)
	if err != nil {
		return nil, fmt.Errorf("encrypting redeem signature: %w", err)
	}

	_, expired, err = raceExpiry(ctx, s.Timelocks, params, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Conn.SendEncryptedSignature(ctx, protocol.EncryptedSignatureMessage{TxRedeemEncSig: encsig})
	})
	if err != nil {
		return nil, fmt.Errorf("sending encrypted signature: %w", err)
	}
	if expired {
		return CancelTimelockExpired{State4: state4}, nil
	}
	return EncSigSent{State4: state4, TxRedeemEncSig: encsig}, nil
}

func (s *Swap) stepEncSigSent(ctx context.Context, st EncSigSent) (State, error) {
	state4 := st.State4
	params := state4.TimelockParams()
	expired, err := s.cancelReady(ctx, params)
	if err != nil {
		return nil, err
	}
	if expired {
		return CancelTimelockExpired{State4: state4}, nil
	}

	state5, expired, err := raceExpiry(ctx, s.Timelocks, params, func(ctx context.Context) (protocol.State5, error) {
		return state4.WatchForRedeemBTC(ctx, s.Bitcoin, st.TxRedeemEncSig)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return CancelTimelockExpired{State4: state4}, nil
	}
	return BtcRedeemed{State5: state5}, nil
}

// cancelReady reports whether the cancel timelock has already expired.
func (s *Swap) cancelReady(ctx context.Context, p timelock.Params) (bool, error) {
	status, err := s.Timelocks.Status(ctx, p)
	if err != nil {
		return false, fmt.Errorf("timelock status: %w", err)
	}
	return status != timelock.None, nil
}

func (s *Swap) rand() io.Reader {
	if s.Rand != nil {
		return s.Rand
	}
	return rand.Reader
}

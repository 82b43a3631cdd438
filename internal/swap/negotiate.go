package swap

import (
	"context"
	"fmt"
	"io"

	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/logging"
	"github.com/mbd888/swapd/internal/protocol"
)

// Negotiate runs the three-round handshake with Alice. It persists nothing;
// on any error the caller still holds state0 and no funds have moved.
func Negotiate(ctx context.Context, state0 protocol.State0, amounts protocol.Amounts, conn Connection, r io.Reader, w bitcoin.Wallet) (protocol.State2, error) {
	log := logging.L(ctx)

	if err := conn.RequestAmounts(ctx, amounts.BTC); err != nil {
		return protocol.State2{}, fmt.Errorf("requesting amounts: %w", err)
	}
	log.Debug("amounts accepted", "amounts", amounts.String())

	bob0, err := state0.NextMessage(r)
	if err != nil {
		return protocol.State2{}, err
	}
	if err := conn.SendRound0(ctx, bob0); err != nil {
		return protocol.State2{}, fmt.Errorf("sending round 0: %w", err)
	}
	alice0, err := conn.RecvRound0(ctx)
	if err != nil {
		return protocol.State2{}, fmt.Errorf("receiving round 0: %w", err)
	}
	state1, err := state0.Receive(ctx, w, alice0)
	if err != nil {
		return protocol.State2{}, err
	}

	if err := conn.SendRound1(ctx, state1.NextMessage()); err != nil {
		return protocol.State2{}, fmt.Errorf("sending round 1: %w", err)
	}
	alice1, err := conn.RecvRound1(ctx)
	if err != nil {
		return protocol.State2{}, fmt.Errorf("receiving round 1: %w", err)
	}
	state2, err := state1.Receive(alice1)
	if err != nil {
		return protocol.State2{}, err
	}

	bob2, err := state2.NextMessage()
	if err != nil {
		return protocol.State2{}, err
	}
	if err := conn.SendRound2(ctx, bob2); err != nil {
		return protocol.State2{}, fmt.Errorf("sending round 2: %w", err)
	}

	log.Info("negotiation complete", "txLock", state2.TxLockID().String())
	return state2, nil
}

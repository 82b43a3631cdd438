package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/timelock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	final, err := h.run()
	require.NoError(t, err)
	require.IsType(t, XmrRedeemed{}, final)

	assert.Equal(t, []string{
		NameStarted,
		NameNegotiated,
		NameBtcLocked,
		NameXmrLocked,
		NameEncSigSent,
		NameBtcRedeemed,
		NameXmrRedeemed,
	}, h.history())

	assert.True(t, h.alice.Redeemed())
	assert.Equal(t, testAmounts.XMR, h.net.Monero.Balance())
	assert.Eventually(t, func() bool {
		return h.net.Bitcoin.Credited(h.alice.RedeemAddress()) == testAmounts.BTC-simnet.DefaultFees[bitcoin.TxRedeem]
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, h.net.Bitcoin.Credited(testRefundAddress))

	txid, ok := TxLockID(final)
	require.True(t, ok)
	assert.NotEqual(t, [32]byte{}, [32]byte(txid))
}

func TestRun_RecordsMoneroRestoreHeight(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	before, err := h.net.Monero.BlockHeight(context.Background())
	require.NoError(t, err)

	st, err := h.runUntil(IsXmrLocked)
	require.NoError(t, err)
	locked := st.(XmrLocked)
	assert.GreaterOrEqual(t, locked.State4.MoneroRestoreHeight, before)

	after, err := h.net.Monero.BlockHeight(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, locked.State4.MoneroRestoreHeight, after)
}

func TestRun_RefundWhenXmrNeverLocked(t *testing.T) {
	h := newHarness(t, simnet.NoXMRLock)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)

	done := make(chan struct{})
	var final State
	var runErr error
	go func() {
		defer close(done)
		final, runErr = h.run()
	}()

	// Let the driver park in the race, then expire the cancel timelock.
	require.Eventually(t, h.oracle.waiting, 5*time.Second, time.Millisecond)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not finish")
	}
	require.NoError(t, runErr)
	require.IsType(t, BtcRefunded{}, final)

	assert.Equal(t, []string{
		NameStarted,
		NameNegotiated,
		NameBtcLocked,
		NameCancelTimelockExpired,
		NameBtcCancelled,
		NameBtcRefunded,
	}, h.history())

	fees := simnet.DefaultFees[bitcoin.TxCancel] + simnet.DefaultFees[bitcoin.TxRefund]
	assert.Equal(t, testAmounts.BTC-fees, h.net.Bitcoin.Credited(testRefundAddress))
	assert.False(t, h.alice.Redeemed())
}

func TestRun_RefundAfterEncSigWithoutRedeem(t *testing.T) {
	h := newHarness(t, simnet.NoRedeem)

	_, err := h.runUntil(IsEncSigSent)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.run()
		done <- err
	}()

	require.Eventually(t, h.oracle.waiting, 5*time.Second, time.Millisecond)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	require.NoError(t, <-done)
	assert.Equal(t, []string{
		NameStarted,
		NameNegotiated,
		NameBtcLocked,
		NameXmrLocked,
		NameEncSigSent,
		NameCancelTimelockExpired,
		NameBtcCancelled,
		NameBtcRefunded,
	}, h.history())
}

func TestRun_ExpiredBeforeStepSkipsPeer(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	dials := h.alice.Dials()

	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	st, err := h.runUntil(isState(NameCancelTimelockExpired))
	require.NoError(t, err)
	assert.IsType(t, CancelTimelockExpired{}, st)
	assert.Equal(t, dials, h.alice.Dials(), "no dial once the cancel timelock has expired")
}

func TestRun_PunishedWithoutLocalAction(t *testing.T) {
	h := newHarness(t, simnet.NoXMRLock)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	_, err = h.runUntil(isState(NameBtcCancelled))
	require.NoError(t, err)

	h.oracle.setStatus(timelock.Punish)
	final, err := h.run()
	require.NoError(t, err)
	require.IsType(t, BtcPunished{}, final)

	assert.Equal(t, NameBtcPunished, h.history()[len(h.history())-1])
	assert.Zero(t, h.net.Bitcoin.Credited(testRefundAddress), "no refund attempted")
}

func TestRun_CancelledWithUnexpiredTimelockIsFatal(t *testing.T) {
	h := newHarness(t, simnet.NoXMRLock)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	_, err = h.runUntil(isState(NameBtcCancelled))
	require.NoError(t, err)
	before := h.history()

	h.oracle.setStatus(timelock.None)
	st, err := h.run()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariantViolated)

	var invErr *InvariantError
	require.True(t, errors.As(err, &invErr))
	assert.Equal(t, NameBtcCancelled, invErr.State)

	assert.IsType(t, BtcCancelled{}, st)
	assert.Equal(t, before, h.history(), "nothing persisted")
	assert.IsType(t, BtcCancelled{}, h.latest())
	assert.Zero(t, h.net.Bitcoin.Credited(testRefundAddress))
}

func TestRun_CancelAlreadyPublishedIsDetected(t *testing.T) {
	h := newHarness(t, simnet.NoXMRLock)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	st, err := h.runUntil(isState(NameCancelTimelockExpired))
	require.NoError(t, err)

	// A previous run published the cancel and crashed before recording it.
	state4 := st.(CancelTimelockExpired).State4
	_, err = state4.SubmitTxCancel(context.Background(), h.net.Bitcoin)
	require.NoError(t, err)

	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, BtcRefunded{}, final)
}

func TestRunUntil_TargetAlreadySatisfied(t *testing.T) {
	h := newHarness(t, simnet.Honest)
	_, err := h.run()
	require.NoError(t, err)

	recs, err := h.store.History(context.Background(), h.id)
	require.NoError(t, err)

	for _, rec := range recs {
		t.Run(rec.State, func(t *testing.T) {
			st, err := rec.Decode()
			require.NoError(t, err)

			// No collaborators: any action would panic.
			store := NewMemoryStore()
			s := &Swap{ID: h.id, State: st, Store: store}
			got, err := RunUntil(context.Background(), s, func(State) bool { return true })
			require.NoError(t, err)
			assert.Equal(t, st, got)

			_, err = store.Latest(context.Background(), h.id)
			assert.ErrorIs(t, err, ErrSwapNotFound, "nothing persisted")
		})
	}
}

func TestRun_TerminalReturnsItself(t *testing.T) {
	for _, st := range []State{SafelyAborted{}, XmrRedeemed{}, BtcPunished{}} {
		s := &Swap{State: st, Store: NewMemoryStore()}
		got, err := Run(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
}

func TestRun_ResumeFromEveryStateMatchesStraightRun(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	for _, target := range []func(State) bool{
		isState(NameNegotiated),
		IsBtcLocked,
		IsXmrLocked,
		IsEncSigSent,
		isState(NameBtcRedeemed),
	} {
		// Each call decodes the latest record into a fresh driver, as a
		// restarted process would.
		_, err := h.runUntil(target)
		require.NoError(t, err)
	}
	final, err := h.run()
	require.NoError(t, err)
	require.IsType(t, XmrRedeemed{}, final)

	straight := newHarness(t, simnet.Honest)
	_, err = straight.run()
	require.NoError(t, err)

	assert.Equal(t, straight.history(), h.history())
	assert.Equal(t, testAmounts.XMR, h.net.Monero.Balance())
}

func TestRun_ResumeReplaysEncSigIdempotently(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	st, err := h.runUntil(IsXmrLocked)
	require.NoError(t, err)

	// Simulate a crash after delivering the signature but before recording
	// EncSigSent: deliver it out of band, then resume from XmrLocked.
	state4 := st.(XmrLocked).State4
	encsig, err := state4.TxRedeemEncSig(context.Background(), h.net.Bitcoin)
	require.NoError(t, err)
	require.NoError(t, h.alice.SendEncryptedSignature(context.Background(), protocol.EncryptedSignatureMessage{TxRedeemEncSig: encsig}))

	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, XmrRedeemed{}, final)
	assert.Equal(t, testAmounts.XMR, h.net.Monero.Balance())
}

func TestRun_ExactlyOneTransitionWhenBothReady(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t, simnet.Honest)
		_, err := h.runUntil(IsXmrLocked)
		require.NoError(t, err)
		before := len(h.history())

		// Point query still says None, but the expiry wait resolves at once,
		// as does sending the signature.
		h.oracle.releaseWaits()

		st, err := h.runUntil(func(s State) bool { return !IsXmrLocked(s) })
		require.NoError(t, err)

		hist := h.history()
		require.Len(t, hist, before+1)
		assert.Contains(t, []string{NameEncSigSent, NameCancelTimelockExpired}, st.Name())
		assert.Equal(t, st.Name(), hist[len(hist)-1])
	}
}

func TestRun_DialFailureLeavesStateResumable(t *testing.T) {
	h := newHarness(t, simnet.Honest)
	h.alice.FailNextDials(1)

	st, err := h.run()
	require.ErrorIs(t, err, simnet.ErrDialFailed)
	assert.IsType(t, Started{}, st)
	assert.Equal(t, []string{NameStarted}, h.history())

	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, XmrRedeemed{}, final)
}

func TestRun_StepErrorRecordsNothing(t *testing.T) {
	h := newHarness(t, simnet.Honest)
	h.oracle.mu.Lock()
	h.oracle.err = errors.New("chain backend down")
	h.oracle.mu.Unlock()

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)

	st, err := h.run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain backend down")
	assert.IsType(t, BtcLocked{}, st)
	assert.Equal(t, NameBtcLocked, h.history()[len(h.history())-1])
}

func TestRun_ExpiryWinsWhileWatchingXmrLock(t *testing.T) {
	h := newHarness(t, simnet.UnpaidProof)

	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	base := h.oracle.awaitCount()

	done := make(chan error, 1)
	go func() {
		_, err := h.run()
		done <- err
	}()

	// The proof wins the first race; the second waits on a Monero lock
	// that never confirms.
	require.Eventually(t, func() bool { return h.oracle.awaitCount() >= base+2 }, 5*time.Second, time.Millisecond)
	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("driver did not finish")
	}

	assert.Equal(t, []string{
		NameStarted,
		NameNegotiated,
		NameBtcLocked,
		NameCancelTimelockExpired,
		NameBtcCancelled,
		NameBtcRefunded,
	}, h.history())
	assert.Zero(t, h.net.Monero.Balance())

	fees := simnet.DefaultFees[bitcoin.TxCancel] + simnet.DefaultFees[bitcoin.TxRefund]
	assert.Equal(t, testAmounts.BTC-fees, h.net.Bitcoin.Credited(testRefundAddress))
}

func TestRun_ResumeAfterLockBroadcastDoesNotRebroadcast(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	st, err := h.runUntil(isState(NameNegotiated))
	require.NoError(t, err)
	lock := st.(Negotiated).State2.TxLockID()
	h.manager.cfg.Bitcoin = newInterruptingWallet(h.net.Bitcoin, lock)

	_, err = h.runUntil(IsBtcLocked)
	require.ErrorIs(t, err, errInterrupted)
	assert.Equal(t, []string{NameStarted, NameNegotiated}, h.history())

	status, err := h.net.Bitcoin.TxStatus(context.Background(), lock)
	require.NoError(t, err)
	require.True(t, status.Seen())

	// The chain rejects a second broadcast, so finishing proves the lock
	// was not sent again.
	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, XmrRedeemed{}, final)
	assert.Equal(t, testAmounts.XMR, h.net.Monero.Balance())
}

func TestRun_ResumeAfterRefundBroadcastDoesNotRebroadcast(t *testing.T) {
	h := newHarness(t, simnet.NoXMRLock)

	st, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)
	refund := st.(BtcLocked).State3.Txs.Refund.ID
	h.manager.cfg.Bitcoin = newInterruptingWallet(h.net.Bitcoin, refund)

	h.net.Mine(testCancelTimelock + 1)
	h.oracle.expire(timelock.Cancel)

	_, err = h.run()
	require.ErrorIs(t, err, errInterrupted)
	history := h.history()
	assert.Equal(t, NameBtcCancelled, history[len(history)-1])

	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, BtcRefunded{}, final)

	fees := simnet.DefaultFees[bitcoin.TxCancel] + simnet.DefaultFees[bitcoin.TxRefund]
	assert.Equal(t, testAmounts.BTC-fees, h.net.Bitcoin.Credited(testRefundAddress))
}

func TestRun_RedeemUsesRecordedEncSig(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	st, err := h.runUntil(IsEncSigSent)
	require.NoError(t, err)
	sent := st.(EncSigSent)
	require.NotEmpty(t, sent.TxRedeemEncSig.SPrime)

	recorded, ok := h.latest().(EncSigSent)
	require.True(t, ok)
	assert.Equal(t, sent.TxRedeemEncSig, recorded.TxRedeemEncSig)

	// Recovering s_a must not depend on signing again.
	h.manager.cfg.Bitcoin = noEncSignWallet{h.net.Bitcoin}
	final, err := h.run()
	require.NoError(t, err)
	assert.IsType(t, XmrRedeemed{}, final)
	assert.Equal(t, testAmounts.XMR, h.net.Monero.Balance())
}

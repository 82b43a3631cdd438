package swap

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/timelock"
	"github.com/stretchr/testify/require"
)

const (
	testRefundAddress  = "sim1bob-refund"
	testCancelTimelock = 3
	testPunishTimelock = 3
	testFunds          = 10_000_000
)

var testAmounts = protocol.Amounts{
	BTC: 1_000_000,
	XMR: monero.FromPiconero(2_000_000_000_000),
}

// fakeOracle is a timelock oracle the test moves by hand. Status answers
// point queries; AwaitCancelReady returns once ready is closed.
type fakeOracle struct {
	mu     sync.Mutex
	status timelock.Status
	err    error
	ready  chan struct{}
	closed bool
	awaits int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{ready: make(chan struct{})}
}

func (o *fakeOracle) Status(_ context.Context, _ timelock.Params) (timelock.Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, o.err
}

func (o *fakeOracle) AwaitCancelReady(ctx context.Context, _ timelock.Params) error {
	o.mu.Lock()
	o.awaits++
	ch := o.ready
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// expire moves the oracle to s and releases every expiry wait.
func (o *fakeOracle) expire(s timelock.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = s
	o.release()
}

// setStatus changes point queries only.
func (o *fakeOracle) setStatus(s timelock.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = s
}

// releaseWaits resolves expiry waits without changing point queries.
func (o *fakeOracle) releaseWaits() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release()
}

func (o *fakeOracle) release() {
	if !o.closed {
		close(o.ready)
		o.closed = true
	}
}

func (o *fakeOracle) awaitCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.awaits
}

func (o *fakeOracle) waiting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.awaits > 0
}

type harness struct {
	t       *testing.T
	net     *simnet.Network
	alice   *simnet.Alice
	store   *MemoryStore
	oracle  *fakeOracle
	manager *Manager
	id      uuid.UUID
}

func newHarness(t *testing.T, behaviour simnet.Behaviour) *harness {
	t.Helper()
	return newHarnessWithConn(t, behaviour, nil)
}

// newHarnessWithConn builds a swap against simnet. wrap, if set, decorates
// the connection to Alice.
func newHarnessWithConn(t *testing.T, behaviour simnet.Behaviour, wrap func(Connection) Connection) *harness {
	t.Helper()

	net := simnet.New(testRefundAddress, testFunds)
	alice, err := simnet.NewAlice(net, simnet.AliceConfig{
		Amounts:        testAmounts,
		CancelTimelock: testCancelTimelock,
		PunishTimelock: testPunishTimelock,
		Behaviour:      behaviour,
	})
	require.NoError(t, err)

	var conn Connection = alice
	if wrap != nil {
		conn = wrap(alice)
	}

	store := NewMemoryStore()
	oracle := newFakeOracle()
	manager := NewManager(ManagerConfig{
		Store:     store,
		Bitcoin:   net.Bitcoin,
		Monero:    net.Monero,
		Timelocks: oracle,
		Protocol: protocol.Config{
			CancelTimelock:      testCancelTimelock,
			PunishTimelock:      testPunishTimelock,
			RefundAddress:       testRefundAddress,
			MoneroConfirmations: 1,
		},
		Connect: func(context.Context, uuid.UUID) (Connection, error) { return conn, nil },
		Logger:  slog.New(slog.DiscardHandler),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go net.AutoMine(ctx, 2*time.Millisecond, nil)

	id, err := manager.Create(context.Background(), testAmounts)
	require.NoError(t, err)

	return &harness{
		t:       t,
		net:     net,
		alice:   alice,
		store:   store,
		oracle:  oracle,
		manager: manager,
		id:      id,
	}
}

func (h *harness) runUntil(target func(State) bool) (State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.manager.ResumeUntil(ctx, h.id, target)
}

func (h *harness) run() (State, error) {
	return h.runUntil(IsComplete)
}

func (h *harness) history() []string {
	h.t.Helper()
	recs, err := h.store.History(context.Background(), h.id)
	require.NoError(h.t, err)
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.State
	}
	return names
}

func (h *harness) latest() State {
	h.t.Helper()
	rec, err := h.store.Latest(context.Background(), h.id)
	require.NoError(h.t, err)
	st, err := rec.Decode()
	require.NoError(h.t, err)
	return st
}

func isState(name string) func(State) bool {
	return func(s State) bool { return s.Name() == name }
}

var errInterrupted = errors.New("interrupted after broadcast")

// interruptingWallet fails the first confirmation wait for the chosen
// transactions, as if the process died right after broadcasting them.
type interruptingWallet struct {
	bitcoin.Wallet

	mu        sync.Mutex
	interrupt map[chainhash.Hash]bool
}

func newInterruptingWallet(w bitcoin.Wallet, txids ...chainhash.Hash) *interruptingWallet {
	iw := &interruptingWallet{Wallet: w, interrupt: make(map[chainhash.Hash]bool)}
	for _, id := range txids {
		iw.interrupt[id] = true
	}
	return iw
}

func (w *interruptingWallet) WaitForConfirmations(ctx context.Context, txid chainhash.Hash, confs uint32) error {
	w.mu.Lock()
	hit := w.interrupt[txid]
	delete(w.interrupt, txid)
	w.mu.Unlock()
	if hit {
		return errInterrupted
	}
	return w.Wallet.WaitForConfirmations(ctx, txid, confs)
}

// noEncSignWallet refuses to produce adaptor signatures.
type noEncSignWallet struct {
	bitcoin.Wallet
}

func (noEncSignWallet) EncSign(context.Context, *bitcoin.PrivateKey, *bitcoin.PublicKey, chainhash.Hash) (bitcoin.EncryptedSignature, error) {
	return bitcoin.EncryptedSignature{}, errors.New("encsign unavailable")
}

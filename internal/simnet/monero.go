package simnet

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/swapd/internal/monero"
)

type xmrTransfer struct {
	spend   monero.PublicKey
	view    monero.PublicKey
	amount  monero.Amount
	txKey   monero.PrivateKey
	minedAt uint64
	claimed bool
}

// Monero is a single-process Monero chain with one local wallet.
type Monero struct {
	mu        sync.Mutex
	height    uint64
	network   byte
	balance   monero.Amount
	transfers map[string]*xmrTransfer
	changed   chan struct{}
}

func NewMonero() *Monero {
	return &Monero{
		network:   monero.Simnet,
		transfers: make(map[string]*xmrTransfer),
		changed:   make(chan struct{}),
	}
}

var _ monero.Wallet = (*Monero)(nil)

// Mine appends n blocks.
func (m *Monero) Mine(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.height++
		for _, t := range m.transfers {
			if t.minedAt == 0 {
				t.minedAt = m.height
			}
		}
	}
	m.notify()
}

// Balance is what the local wallet has claimed.
func (m *Monero) Balance() monero.Amount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Transfer pays amount to the address (spend, view) and returns the proof a
// sender would hand to the recipient. The transfer confirms on the next
// block.
func (m *Monero) Transfer(r io.Reader, spend, view monero.PublicKey, amount monero.Amount) (monero.TransferProof, error) {
	txKey, err := monero.NewPrivateKey(r)
	if err != nil {
		return monero.TransferProof{}, err
	}
	hash := hex.EncodeToString(crypto.Keccak256(txKey.Bytes(), spend.Bytes(), view.Bytes()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[hash] = &xmrTransfer{spend: spend, view: view, amount: amount, txKey: txKey}
	m.notify()
	return monero.TransferProof{TxHash: hash, TxKey: txKey}, nil
}

// Unbroadcast builds a proof for a transfer that never reaches the chain.
func (m *Monero) Unbroadcast(r io.Reader, spend, view monero.PublicKey, _ monero.Amount) (monero.TransferProof, error) {
	txKey, err := monero.NewPrivateKey(r)
	if err != nil {
		return monero.TransferProof{}, err
	}
	hash := hex.EncodeToString(crypto.Keccak256(txKey.Bytes(), spend.Bytes(), view.Bytes()))
	return monero.TransferProof{TxHash: hash, TxKey: txKey}, nil
}

func (m *Monero) BlockHeight(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// WatchForTransfer waits for the proven transfer to reach the requested
// depth, then checks it pays the expected address and amount.
func (m *Monero) WatchForTransfer(ctx context.Context, req monero.WatchRequest) error {
	var t *xmrTransfer
	err := m.waitFor(ctx, func() bool {
		t = m.transfers[req.Proof.TxHash]
		return t != nil && t.minedAt != 0 && m.height-t.minedAt+1 >= max(req.Confirmations, 1)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !t.txKey.Equal(req.Proof.TxKey):
		return fmt.Errorf("%w: tx key does not match", monero.ErrTransferNotFound)
	case !t.spend.Equal(req.PublicSpendKey) || !t.view.Equal(req.PrivateViewKey.Public()):
		return fmt.Errorf("%w: transfer pays a different address", monero.ErrTransferNotFound)
	case t.minedAt < req.RestoreHeight:
		return fmt.Errorf("%w: transfer below restore height %d", monero.ErrTransferNotFound, req.RestoreHeight)
	case t.amount < req.Amount:
		return fmt.Errorf("%w: got %s, want %s", monero.ErrInsufficientFunds, t.amount, req.Amount)
	}
	return nil
}

// CreateFromKeys sweeps every unclaimed output owned by (spend, view) into
// the local wallet. Sweeping outputs that were already claimed succeeds.
func (m *Monero) CreateFromKeys(_ context.Context, spend, view monero.PrivateKey, restoreHeight uint64) (monero.Address, error) {
	spendPub, viewPub := spend.Public(), view.Public()

	m.mu.Lock()
	defer m.mu.Unlock()
	var found bool
	for _, t := range m.transfers {
		if t.minedAt == 0 || t.minedAt < restoreHeight {
			continue
		}
		if !t.spend.Equal(spendPub) || !t.view.Equal(viewPub) {
			continue
		}
		found = true
		if !t.claimed {
			t.claimed = true
			m.balance += t.amount
		}
	}
	if !found {
		return "", fmt.Errorf("%w: nothing to sweep", monero.ErrTransferNotFound)
	}
	return monero.NewAddress(m.network, spendPub, viewPub), nil
}

func (m *Monero) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Monero) waitFor(ctx context.Context, cond func() bool) error {
	for {
		m.mu.Lock()
		ok := cond()
		ch := m.changed
		m.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

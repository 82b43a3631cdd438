package simnet

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mbd888/swapd/internal/bitcoin"
)

var sighashTag = []byte("swapd/simnet-sighash")

// DefaultFees are the flat fees the simulated wallet charges per transaction.
var DefaultFees = map[bitcoin.TxKind]btcutil.Amount{
	bitcoin.TxLock:   1_000,
	bitcoin.TxCancel: 800,
	bitcoin.TxRefund: 700,
	bitcoin.TxPunish: 700,
	bitcoin.TxRedeem: 700,
}

type contract struct {
	params bitcoin.TxParams
	txs    bitcoin.SwapTxs
}

type btcEntry struct {
	tx        bitcoin.Tx
	contract  *contract
	sigs      [][]byte
	published bool
	minedAt   uint32 // 0 while in the mempool
}

// Bitcoin is a single-process Bitcoin chain with one local wallet. Swap
// contracts are modelled as 2-of-2 outputs checked with BIP-340 signatures;
// the cancel and punish paths enforce their relative timelocks.
type Bitcoin struct {
	mu      sync.Mutex
	height  uint32
	funds   btcutil.Amount
	address string
	fees    map[bitcoin.TxKind]btcutil.Amount
	txs     map[chainhash.Hash]*btcEntry
	spent   map[chainhash.Hash]chainhash.Hash // spent output (tx id) -> spender
	credits map[string]btcutil.Amount
	changed chan struct{}
}

// NewBitcoin creates a chain whose local wallet owns funds at address.
func NewBitcoin(address string, funds btcutil.Amount) *Bitcoin {
	fees := make(map[bitcoin.TxKind]btcutil.Amount, len(DefaultFees))
	for k, v := range DefaultFees {
		fees[k] = v
	}
	return &Bitcoin{
		address: address,
		funds:   funds,
		fees:    fees,
		txs:     make(map[chainhash.Hash]*btcEntry),
		spent:   make(map[chainhash.Hash]chainhash.Hash),
		credits: make(map[string]btcutil.Amount),
		changed: make(chan struct{}),
	}
}

var _ bitcoin.Wallet = (*Bitcoin)(nil)

// Address is the local wallet's receive address.
func (b *Bitcoin) Address() string { return b.address }

// Mine appends n blocks, confirming everything in the mempool in the first.
func (b *Bitcoin) Mine(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.height++
		for _, e := range b.txs {
			if e.published && e.minedAt == 0 {
				e.minedAt = b.height
				b.credit(e)
			}
		}
	}
	b.notify()
}

// Credited returns the amount paid to address by confirmed swap spends.
func (b *Bitcoin) Credited(address string) btcutil.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credits[address]
}

func (b *Bitcoin) Balance(_ context.Context) (btcutil.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.funds + b.credits[b.address], nil
}

func (b *Bitcoin) EstimateFee(_ context.Context, kind bitcoin.TxKind) (btcutil.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fee, ok := b.fees[kind]
	if !ok {
		return 0, fmt.Errorf("simnet: no fee for %s", kind)
	}
	return fee, nil
}

// BuildSwapTxs derives the contract transactions from p alone, so both
// parties building from the same parameters get identical transactions.
func (b *Bitcoin) BuildSwapTxs(_ context.Context, p bitcoin.TxParams) (*bitcoin.SwapTxs, error) {
	if p.A == nil || p.B == nil {
		return nil, fmt.Errorf("simnet: missing contract keys")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, int64(p.Amount))
	buf.Write(p.A.Bytes())
	buf.Write(p.B.Bytes())
	_ = binary.Write(&buf, binary.BigEndian, p.CancelTimelock)
	_ = binary.Write(&buf, binary.BigEndian, p.PunishTimelock)
	for _, addr := range []string{p.RefundAddress, p.RedeemAddress, p.PunishAddress} {
		buf.WriteString(addr)
		buf.WriteByte(0)
	}

	lockID := chainhash.DoubleHashH(append([]byte(bitcoin.TxLock), buf.Bytes()...))
	cancelAmount := p.Amount - b.fees[bitcoin.TxCancel]
	mk := func(kind bitcoin.TxKind, amount btcutil.Amount) bitcoin.Tx {
		id := lockID
		if kind != bitcoin.TxLock {
			id = chainhash.DoubleHashH(append([]byte(kind), lockID[:]...))
		}
		return bitcoin.Tx{
			Kind:    kind,
			ID:      id,
			SigHash: *chainhash.TaggedHash(sighashTag, id[:]),
			Amount:  amount,
			Fee:     b.fees[kind],
		}
	}
	txs := bitcoin.SwapTxs{
		Lock:   mk(bitcoin.TxLock, p.Amount),
		Cancel: mk(bitcoin.TxCancel, cancelAmount),
		Refund: mk(bitcoin.TxRefund, cancelAmount-b.fees[bitcoin.TxRefund]),
		Punish: mk(bitcoin.TxPunish, cancelAmount-b.fees[bitcoin.TxPunish]),
		Redeem: mk(bitcoin.TxRedeem, p.Amount-b.fees[bitcoin.TxRedeem]),
	}

	if _, ok := b.txs[lockID]; !ok {
		c := &contract{params: p, txs: txs}
		for _, tx := range []bitcoin.Tx{txs.Lock, txs.Cancel, txs.Refund, txs.Punish, txs.Redeem} {
			b.txs[tx.ID] = &btcEntry{tx: tx, contract: c}
		}
	}
	out := txs
	return &out, nil
}

// Publish broadcasts a previously built transaction. Like a full node it
// rejects a transaction it already knows.
// Contract spends take the signatures ordered Alice then Bob.
func (b *Bitcoin) Publish(_ context.Context, tx bitcoin.Tx, sigs ...[]byte) (chainhash.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.txs[tx.ID]
	if !ok {
		return chainhash.Hash{}, &bitcoin.PublishError{Kind: tx.Kind, TxID: tx.ID, Err: bitcoin.ErrTxNotFound}
	}
	if e.published {
		return chainhash.Hash{}, &bitcoin.PublishError{Kind: tx.Kind, TxID: tx.ID, Err: bitcoin.ErrTxAlreadyKnown}
	}
	if err := b.checkSpend(e, sigs); err != nil {
		return chainhash.Hash{}, &bitcoin.PublishError{Kind: tx.Kind, TxID: tx.ID, Err: err}
	}

	switch e.tx.Kind {
	case bitcoin.TxLock:
		b.funds -= e.tx.Amount + e.tx.Fee
	case bitcoin.TxCancel, bitcoin.TxRedeem:
		b.spent[e.contract.txs.Lock.ID] = e.tx.ID
	case bitcoin.TxRefund, bitcoin.TxPunish:
		b.spent[e.contract.txs.Cancel.ID] = e.tx.ID
	}
	e.sigs = sigs
	e.published = true
	b.notify()
	return tx.ID, nil
}

func (b *Bitcoin) checkSpend(e *btcEntry, sigs [][]byte) error {
	c := e.contract
	if e.tx.Kind == bitcoin.TxLock {
		if b.funds < e.tx.Amount+e.tx.Fee {
			return bitcoin.ErrInsufficientFunds
		}
		return nil
	}

	var prev chainhash.Hash
	var minConfs uint32 = 1
	switch e.tx.Kind {
	case bitcoin.TxCancel:
		prev, minConfs = c.txs.Lock.ID, c.params.CancelTimelock
	case bitcoin.TxRedeem:
		prev = c.txs.Lock.ID
	case bitcoin.TxRefund:
		prev = c.txs.Cancel.ID
	case bitcoin.TxPunish:
		prev, minConfs = c.txs.Cancel.ID, c.params.PunishTimelock
	}
	if minConfs == 0 {
		minConfs = 1
	}
	if _, taken := b.spent[prev]; taken {
		return bitcoin.ErrTxConflict
	}
	if b.confirmations(prev) < minConfs {
		return bitcoin.ErrTimelockNotExpired
	}

	if len(sigs) != 2 {
		return fmt.Errorf("%w: want 2 signatures, got %d", bitcoin.ErrInvalidSignature, len(sigs))
	}
	if err := c.params.A.Verify(e.tx.SigHash, sigs[0]); err != nil {
		return fmt.Errorf("alice: %w", err)
	}
	if err := c.params.B.Verify(e.tx.SigHash, sigs[1]); err != nil {
		return fmt.Errorf("bob: %w", err)
	}
	return nil
}

func (b *Bitcoin) WaitForConfirmations(ctx context.Context, txid chainhash.Hash, confs uint32) error {
	return b.waitFor(ctx, func() bool { return b.confirmations(txid) >= confs })
}

func (b *Bitcoin) TxStatus(_ context.Context, txid chainhash.Hash) (bitcoin.TxStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.txs[txid]
	if !ok || !e.published {
		return bitcoin.TxStatus{}, nil
	}
	return bitcoin.TxStatus{InMempool: e.minedAt == 0, Confirmations: b.confirmations(txid)}, nil
}

func (b *Bitcoin) EncSign(_ context.Context, key *bitcoin.PrivateKey, encKey *bitcoin.PublicKey, sighash chainhash.Hash) (bitcoin.EncryptedSignature, error) {
	return bitcoin.EncSign(key, encKey, sighash)
}

// WatchForSignature waits until tx is broadcast and returns the witness
// signature verifying under key.
func (b *Bitcoin) WatchForSignature(ctx context.Context, tx bitcoin.Tx, key *bitcoin.PublicKey) ([]byte, error) {
	var sigs [][]byte
	err := b.waitFor(ctx, func() bool {
		e, ok := b.txs[tx.ID]
		if ok && e.published {
			sigs = e.sigs
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	for _, sig := range sigs {
		if key.Verify(tx.SigHash, sig) == nil {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("%w: no witness signature by key", bitcoin.ErrInvalidSignature)
}

func (b *Bitcoin) BlockHeight(_ context.Context) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height, nil
}

// confirmations must be called with mu held.
func (b *Bitcoin) confirmations(txid chainhash.Hash) uint32 {
	e, ok := b.txs[txid]
	if !ok || !e.published || e.minedAt == 0 {
		return 0
	}
	return b.height - e.minedAt + 1
}

func (b *Bitcoin) credit(e *btcEntry) {
	p := e.contract.params
	switch e.tx.Kind {
	case bitcoin.TxRefund:
		b.credits[p.RefundAddress] += e.tx.Amount
	case bitcoin.TxRedeem:
		b.credits[p.RedeemAddress] += e.tx.Amount
	case bitcoin.TxPunish:
		b.credits[p.PunishAddress] += e.tx.Amount
	}
}

// notify wakes every waiter. Must be called with mu held.
func (b *Bitcoin) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// waitFor blocks until cond, evaluated with mu held, is true.
func (b *Bitcoin) waitFor(ctx context.Context, cond func() bool) error {
	for {
		b.mu.Lock()
		ok := cond()
		ch := b.changed
		b.mu.Unlock()
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

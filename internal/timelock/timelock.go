// Package timelock reports which of the swap's timelocks have expired.
//
// The cancel timelock is relative to the lock transaction's confirmation and
// the punish timelock to the cancel transaction's. Both are measured in
// confirmations, so the reported status never moves backwards as the chain
// grows.
package timelock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mbd888/swapd/internal/bitcoin"
)

// Status is the expiry state of a swap's timelocks.
type Status int

const (
	// None: neither timelock has expired; cooperative progress is safe.
	None Status = iota
	// Cancel: the lock output may be moved into the cancel transaction and
	// Bob may refund.
	Cancel
	// Punish: Alice may punish; Bob can no longer refund.
	Punish
)

func (s Status) String() string {
	switch s {
	case None:
		return "none"
	case Cancel:
		return "cancel"
	case Punish:
		return "punish"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Params identifies the transactions whose confirmations drive the timelocks.
type Params struct {
	CancelTimelock uint32         `json:"cancelTimelock"`
	PunishTimelock uint32         `json:"punishTimelock"`
	TxLockID       chainhash.Hash `json:"txLockId"`
	TxCancelID     chainhash.Hash `json:"txCancelId"`
}

// ChainReader is the read side of the Bitcoin wallet the oracle needs.
type ChainReader interface {
	TxStatus(ctx context.Context, txid chainhash.Hash) (bitcoin.TxStatus, error)
}

// DefaultPollInterval is how often AwaitCancelReady re-queries the chain.
const DefaultPollInterval = 30 * time.Second

// Oracle derives timelock status from confirmation counts.
type Oracle struct {
	chain    ChainReader
	interval time.Duration
	logger   *slog.Logger
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger sets the logger used for poll failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// NewOracle creates an oracle reading from chain.
func NewOracle(chain ChainReader, opts ...Option) *Oracle {
	o := &Oracle{
		chain:    chain,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns the current timelock status for p.
func (o *Oracle) Status(ctx context.Context, p Params) (Status, error) {
	lock, err := o.chain.TxStatus(ctx, p.TxLockID)
	if err != nil {
		return None, fmt.Errorf("lock tx status: %w", err)
	}
	if lock.Confirmations < p.CancelTimelock {
		return None, nil
	}

	cancel, err := o.chain.TxStatus(ctx, p.TxCancelID)
	if err != nil {
		return None, fmt.Errorf("cancel tx status: %w", err)
	}
	if cancel.Confirmations >= p.PunishTimelock {
		return Punish, nil
	}
	return Cancel, nil
}

// AwaitCancelReady blocks until Status is no longer None. Chain read
// failures are logged and retried on the next tick; only ctx ends the wait
// early.
func (o *Oracle) AwaitCancelReady(ctx context.Context, p Params) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		status, err := o.Status(ctx, p)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("timelock poll failed", "txLock", p.TxLockID, "error", err)
		case status != None:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package simnet is an in-process Bitcoin and Monero network with a
// scriptable counterparty. It backs the daemon's simnet mode and the
// end-to-end tests.
package simnet

import (
	"context"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Network bundles the two chains.
type Network struct {
	Bitcoin *Bitcoin
	Monero  *Monero
}

// New creates a network whose local Bitcoin wallet holds funds.
func New(refundAddress string, funds btcutil.Amount) *Network {
	return &Network{
		Bitcoin: NewBitcoin(refundAddress, funds),
		Monero:  NewMonero(),
	}
}

// Mine advances both chains by n blocks.
func (n *Network) Mine(blocks int) {
	n.Bitcoin.Mine(blocks)
	n.Monero.Mine(blocks)
}

// AutoMine mines one block on both chains every interval until ctx is done.
// Call in a goroutine.
func (n *Network) AutoMine(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Mine(1)
			if logger != nil {
				h, _ := n.Bitcoin.BlockHeight(ctx)
				logger.Debug("simnet block mined", "height", h)
			}
		}
	}
}

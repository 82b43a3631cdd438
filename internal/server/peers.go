package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/config"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/swap"
)

// simnetPeers gives every swap its own in-process Alice, quoting the amounts
// the swap was created with. An Alice lives as long as the process, like the
// simulated chains she trades on.
type simnetPeers struct {
	net   *simnet.Network
	store swap.Store
	cfg   *config.Config

	mu    sync.Mutex
	peers map[uuid.UUID]*simnet.Alice
}

func newSimnetPeers(net *simnet.Network, store swap.Store, cfg *config.Config) *simnetPeers {
	return &simnetPeers{net: net, store: store, cfg: cfg, peers: make(map[uuid.UUID]*simnet.Alice)}
}

func (p *simnetPeers) connect(ctx context.Context, id uuid.UUID) (swap.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if alice, ok := p.peers[id]; ok {
		return alice, nil
	}

	hist, err := p.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	first, err := hist[0].Decode()
	if err != nil {
		return nil, err
	}
	started, ok := first.(swap.Started)
	if !ok {
		return nil, fmt.Errorf("swap %s has no recorded start", id)
	}

	alice, err := simnet.NewAlice(p.net, simnet.AliceConfig{
		Amounts:        started.Amounts,
		CancelTimelock: p.cfg.CancelTimelock,
		PunishTimelock: p.cfg.PunishTimelock,
	})
	if err != nil {
		return nil, err
	}
	p.peers[id] = alice
	return alice, nil
}

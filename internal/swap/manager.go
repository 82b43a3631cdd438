package swap

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/syncutil"
)

// ManagerConfig wires the collaborators every swap shares.
type ManagerConfig struct {
	Store     Store
	Bitcoin   bitcoin.Wallet
	Monero    monero.Wallet
	Timelocks TimelockOracle
	Protocol  protocol.Config

	// Connect returns the peer session for a swap. It is called once per
	// run; the driver dials it as needed.
	Connect func(ctx context.Context, id uuid.UUID) (Connection, error)

	Rand   io.Reader
	Logger *slog.Logger
}

// Manager creates, resumes and abandons swaps. At most one driver runs per
// swap ID.
type Manager struct {
	cfg   ManagerConfig
	locks *syncutil.KeyedMutex
	wg    sync.WaitGroup
}

// NewManager creates a swap manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, locks: syncutil.NewKeyedMutex()}
}

// Create generates Bob's keys for a new swap and records it as Started.
func (m *Manager) Create(ctx context.Context, amounts protocol.Amounts) (uuid.UUID, error) {
	state0, err := protocol.NewState0(m.cfg.Rand, amounts, m.cfg.Protocol)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	rec, err := newRecord(id, Started{State0: state0, Amounts: amounts})
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.cfg.Store.Append(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("recording new swap: %w", err)
	}
	m.cfg.Logger.Info("swap created", "swap_id", id.String(), "amounts", amounts.String())
	return id, nil
}

// Start creates a swap and drives it to completion.
func (m *Manager) Start(ctx context.Context, amounts protocol.Amounts) (uuid.UUID, State, error) {
	id, err := m.Create(ctx, amounts)
	if err != nil {
		return uuid.Nil, nil, err
	}
	final, err := m.Resume(ctx, id)
	return id, final, err
}

// Resume drives a recorded swap from its latest state to completion.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) (State, error) {
	return m.ResumeUntil(ctx, id, IsComplete)
}

// ResumeUntil drives a recorded swap until target holds.
func (m *Manager) ResumeUntil(ctx context.Context, id uuid.UUID, target func(State) bool) (State, error) {
	unlock, ok := m.locks.TryLock(id.String())
	if !ok {
		return nil, ErrSwapBusy
	}
	defer unlock()

	state, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	conn, err := m.cfg.Connect(ctx, id)
	if err != nil {
		return state, fmt.Errorf("connecting to peer: %w", err)
	}
	if c, ok := conn.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	s := &Swap{
		ID:        id,
		State:     state,
		Conn:      conn,
		Store:     m.cfg.Store,
		Bitcoin:   m.cfg.Bitcoin,
		Monero:    m.cfg.Monero,
		Timelocks: m.cfg.Timelocks,
		Rand:      m.cfg.Rand,
		Logger:    m.cfg.Logger,
	}
	return RunUntil(ctx, s, target)
}

// ResumeAll starts a driver in the background for every unfinished swap in
// the store and returns how many were started. Wait blocks until they end.
func (m *Manager) ResumeAll(ctx context.Context) (int, error) {
	recs, err := m.cfg.Store.ListUnfinished(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing unfinished swaps: %w", err)
	}
	for _, rec := range recs {
		m.Launch(ctx, rec.SwapID)
	}
	return len(recs), nil
}

// Launch drives a recorded swap in the background until it completes or ctx
// ends.
func (m *Manager) Launch(ctx context.Context, id uuid.UUID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		final, err := m.Resume(ctx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.cfg.Logger.Error("swap stopped", "swap_id", id.String(), "error", err)
			}
			return
		}
		m.cfg.Logger.Info("swap finished", "swap_id", id.String(), "state", final.Name())
	}()
}

// Wait blocks until every swap started by Launch or ResumeAll has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Running reports whether a driver currently holds the swap.
func (m *Manager) Running(id uuid.UUID) bool {
	return m.locks.Held(id.String())
}

// Abandon ends a swap that has committed nothing on chain. Swaps whose lock
// transaction exists, recorded or not, must run to a refund, punish or
// redeem instead.
func (m *Manager) Abandon(ctx context.Context, id uuid.UUID) error {
	unlock, ok := m.locks.TryLock(id.String())
	if !ok {
		return ErrSwapBusy
	}
	defer unlock()

	state, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if IsComplete(state) {
		return ErrAlreadyComplete
	}
	if !Abortable(state) {
		return ErrAlreadyLocked
	}
	// A run can broadcast the lock and stop before recording BtcLocked.
	if neg, ok := state.(Negotiated); ok {
		status, err := m.cfg.Bitcoin.TxStatus(ctx, neg.State2.TxLockID())
		if err != nil {
			return fmt.Errorf("lock tx status: %w", err)
		}
		if status.Seen() {
			return ErrAlreadyLocked
		}
	}

	rec, err := newRecord(id, SafelyAborted{})
	if err != nil {
		return err
	}
	if err := m.cfg.Store.Append(ctx, rec); err != nil {
		return fmt.Errorf("recording abort: %w", err)
	}
	m.cfg.Logger.Info("swap abandoned", "swap_id", id.String(), "from", state.Name())
	return nil
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (State, error) {
	rec, err := m.cfg.Store.Latest(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Decode()
}

package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSuite runs the same checks against every Store implementation.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append assigns sequence", func(t *testing.T) {
		store := newStore(t)
		id := uuid.New()

		for i, name := range []string{NameStarted, NameNegotiated, NameBtcLocked} {
			rec := &Record{SwapID: id, State: name, Payload: json.RawMessage(`{}`)}
			require.NoError(t, store.Append(ctx, rec))
			assert.EqualValues(t, i+1, rec.Seq)
			assert.False(t, rec.CreatedAt.IsZero())
		}

		latest, err := store.Latest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, NameBtcLocked, latest.State)
		assert.EqualValues(t, 3, latest.Seq)
		assert.JSONEq(t, `{}`, string(latest.Payload))

		hist, err := store.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 3)
		assert.Equal(t, NameStarted, hist[0].State)
		assert.Equal(t, NameBtcLocked, hist[2].State)
	})

	t.Run("unknown swap", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Latest(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrSwapNotFound)
		_, err = store.History(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrSwapNotFound)
	})

	t.Run("list unfinished skips terminal swaps", func(t *testing.T) {
		store := newStore(t)
		running, done := uuid.New(), uuid.New()

		require.NoError(t, store.Append(ctx, &Record{SwapID: running, State: NameStarted, Payload: json.RawMessage(`{}`)}))
		require.NoError(t, store.Append(ctx, &Record{SwapID: done, State: NameStarted, Payload: json.RawMessage(`{}`)}))
		require.NoError(t, store.Append(ctx, &Record{SwapID: done, State: NameSafelyAborted, Payload: json.RawMessage(`{}`), Terminal: true}))
		require.NoError(t, store.Append(ctx, &Record{SwapID: running, State: NameNegotiated, Payload: json.RawMessage(`{}`)}))

		recs, err := store.ListUnfinished(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, running, recs[0].SwapID)
		assert.Equal(t, NameNegotiated, recs[0].State)
	})

	t.Run("concurrent appends for distinct swaps", func(t *testing.T) {
		store := newStore(t)
		const swaps, states = 8, 5

		ids := make([]uuid.UUID, swaps)
		var wg sync.WaitGroup
		for i := range ids {
			ids[i] = uuid.New()
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				for j := 0; j < states; j++ {
					rec := &Record{SwapID: id, State: fmt.Sprintf("s%d", j), Payload: json.RawMessage(`{}`)}
					if err := store.Append(ctx, rec); err != nil {
						t.Errorf("append: %v", err)
						return
					}
				}
			}(ids[i])
		}
		wg.Wait()

		for _, id := range ids {
			hist, err := store.History(ctx, id)
			require.NoError(t, err)
			require.Len(t, hist, states)
			for j, r := range hist {
				assert.EqualValues(t, j+1, r.Seq)
				assert.Equal(t, fmt.Sprintf("s%d", j), r.State)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	rec := &Record{SwapID: id, State: NameStarted, Payload: json.RawMessage(`{"a":1}`)}
	require.NoError(t, store.Append(ctx, rec))
	rec.Payload[0] = 'x'
	rec.State = "mutated"

	got, err := store.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, NameStarted, got.State)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
}

func TestNewRecord_RoundTripsState(t *testing.T) {
	h := newHarness(t, simnet.Honest)
	_, err := h.runUntil(IsBtcLocked)
	require.NoError(t, err)

	st := h.latest()
	rec, err := newRecord(h.id, st)
	require.NoError(t, err)
	assert.Equal(t, NameBtcLocked, rec.State)
	assert.False(t, rec.Terminal)

	back, err := rec.Decode()
	require.NoError(t, err)
	assert.Equal(t, st.(BtcLocked).State3.TxLockID(), back.(BtcLocked).State3.TxLockID())

	term, err := newRecord(h.id, SafelyAborted{})
	require.NoError(t, err)
	assert.True(t, term.Terminal)
}

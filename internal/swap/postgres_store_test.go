//go:build integration

package swap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/mbd888/swapd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_DriverRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	// Move the freshly created swap into Postgres and drive it there.
	h := newHarness(t, simnet.Honest)
	started, err := h.store.Latest(ctx, h.id)
	require.NoError(t, err)

	store := NewPostgresStore(db)
	require.NoError(t, store.Append(ctx, started))
	h.manager.cfg.Store = store

	final, err := h.manager.Resume(ctx, h.id)
	require.NoError(t, err)
	assert.IsType(t, XmrRedeemed{}, final)

	hist, err := store.History(ctx, h.id)
	require.NoError(t, err)
	require.Len(t, hist, 7)
	assert.Equal(t, NameXmrRedeemed, hist[6].State)
	assert.True(t, hist[6].Terminal)

	unfinished, err := store.ListUnfinished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unfinished)
}

func TestPostgresStore_PayloadIsJSON(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.Append(ctx, &Record{SwapID: id, State: NameBtcPunished, Payload: json.RawMessage(`{"txLockId":"00"}`), Terminal: true}))

	var kind string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT jsonb_typeof(payload) FROM swap_states WHERE swap_id = $1`, id).Scan(&kind))
	assert.Equal(t, "object", kind)
}

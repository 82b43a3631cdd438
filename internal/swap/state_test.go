package swap

import (
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePredicates(t *testing.T) {
	tests := []struct {
		state     State
		complete  bool
		abortable bool
	}{
		{Started{}, false, true},
		{Negotiated{}, false, true},
		{BtcLocked{}, false, false},
		{XmrLocked{}, false, false},
		{EncSigSent{}, false, false},
		{BtcRedeemed{}, false, false},
		{CancelTimelockExpired{}, false, false},
		{BtcCancelled{}, false, false},
		{BtcRefunded{}, true, false},
		{BtcPunished{}, true, false},
		{XmrRedeemed{}, true, false},
		{SafelyAborted{}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.Name(), func(t *testing.T) {
			assert.Equal(t, tt.complete, IsComplete(tt.state))
			assert.Equal(t, tt.abortable, Abortable(tt.state))
		})
	}

	assert.True(t, IsBtcLocked(BtcLocked{}))
	assert.False(t, IsBtcLocked(XmrLocked{}))
	assert.True(t, IsXmrLocked(XmrLocked{}))
	assert.True(t, IsEncSigSent(EncSigSent{}))
	assert.False(t, IsEncSigSent(BtcRedeemed{}))
}

func TestDecode_UnknownState(t *testing.T) {
	_, err := Decode("half_locked", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestDecode_CorruptPayload(t *testing.T) {
	_, err := Decode(NameXmrRedeemed, json.RawMessage(`{"txLockId":42}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownState)
}

func TestEncodeDecode_TerminalStates(t *testing.T) {
	txid := chainhash.Hash{0x01, 0x02}

	for _, st := range []State{XmrRedeemed{TxLockID: txid}, BtcPunished{TxLockID: txid}, SafelyAborted{}} {
		data, err := Encode(st)
		require.NoError(t, err)
		back, err := Decode(st.Name(), data)
		require.NoError(t, err)
		assert.Equal(t, st, back)
	}
}

func TestTxLockID(t *testing.T) {
	_, ok := TxLockID(Started{})
	assert.False(t, ok)
	_, ok = TxLockID(SafelyAborted{})
	assert.False(t, ok)

	txid := chainhash.Hash{0xaa}
	got, ok := TxLockID(BtcPunished{TxLockID: txid})
	require.True(t, ok)
	assert.Equal(t, txid, got)
}

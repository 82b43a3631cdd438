package swap

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
	"github.com/mbd888/swapd/internal/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tamperConn corrupts Alice's messages on the way in.
type tamperConn struct {
	Connection
	round0 func(*protocol.AliceRound0)
	round1 func(*protocol.AliceRound1)
}

func (c *tamperConn) RecvRound0(ctx context.Context) (protocol.AliceRound0, error) {
	msg, err := c.Connection.RecvRound0(ctx)
	if err == nil && c.round0 != nil {
		c.round0(&msg)
	}
	return msg, err
}

func (c *tamperConn) RecvRound1(ctx context.Context) (protocol.AliceRound1, error) {
	msg, err := c.Connection.RecvRound1(ctx)
	if err == nil && c.round1 != nil {
		c.round1(&msg)
	}
	return msg, err
}

func TestNegotiate_RejectedQuote(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	rec, err := h.store.Latest(context.Background(), h.id)
	require.NoError(t, err)
	st, err := rec.Decode()
	require.NoError(t, err)
	started := st.(Started)

	wrong := started.Amounts
	wrong.BTC++
	_, err = Negotiate(context.Background(), started.State0, wrong, h.alice, rand.Reader, h.net.Bitcoin)
	assert.ErrorIs(t, err, simnet.ErrQuoteRejected)
}

func TestNegotiate_InvalidRound0LeavesStarted(t *testing.T) {
	h := newHarnessWithConn(t, simnet.Honest, func(c Connection) Connection {
		return &tamperConn{Connection: c, round0: func(m *protocol.AliceRound0) {
			m.ProofMonero[0] ^= 0xff
		}}
	})

	st, err := h.run()
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	assert.IsType(t, Started{}, st)
	assert.Equal(t, []string{NameStarted}, h.history())

	balance, err := h.net.Bitcoin.Balance(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, testFunds, balance, "no funds moved")
}

func TestNegotiate_SwappedMoneroKeyRejected(t *testing.T) {
	other, err := monero.NewPrivateKey(rand.Reader)
	require.NoError(t, err)

	h := newHarnessWithConn(t, simnet.Honest, func(c Connection) Connection {
		return &tamperConn{Connection: c, round0: func(m *protocol.AliceRound0) {
			m.SpendMonero = other.Public()
		}}
	})

	_, err = h.run()
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	assert.Equal(t, []string{NameStarted}, h.history())
}

func TestNegotiate_BadRefundEncSigRejected(t *testing.T) {
	h := newHarnessWithConn(t, simnet.Honest, func(c Connection) Connection {
		return &tamperConn{Connection: c, round1: func(m *protocol.AliceRound1) {
			m.TxRefundEncSig.SPrime[31] ^= 0x01
		}}
	})

	_, err := h.run()
	require.ErrorIs(t, err, protocol.ErrInvalidMessage)
	assert.Equal(t, []string{NameStarted}, h.history())
}

func TestNegotiate_InsufficientFunds(t *testing.T) {
	h := newHarness(t, simnet.Honest)

	rec, err := h.store.Latest(context.Background(), h.id)
	require.NoError(t, err)
	st, err := rec.Decode()
	require.NoError(t, err)
	started := st.(Started)

	poor := simnet.New(testRefundAddress, testAmounts.BTC)
	_, err = Negotiate(context.Background(), started.State0, started.Amounts, h.alice, rand.Reader, poor.Bitcoin)
	assert.ErrorIs(t, err, bitcoin.ErrInsufficientFunds)
}

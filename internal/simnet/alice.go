package simnet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/protocol"
)

var (
	ErrQuoteRejected = errors.New("simnet: alice rejected the amounts")
	ErrOutOfOrder    = errors.New("simnet: message out of order")
	ErrDialFailed    = errors.New("simnet: dial failed")
)

// Behaviour scripts how Alice deviates from the honest protocol.
type Behaviour int

const (
	// Honest runs the protocol to completion.
	Honest Behaviour = iota
	// NoXMRLock never locks Monero, forcing Bob onto the refund path.
	NoXMRLock
	// NoRedeem accepts Bob's encrypted signature but never redeems.
	NoRedeem
	// UnpaidProof hands Bob a transfer proof for Monero that is never
	// broadcast, so his watch for the lock never completes.
	UnpaidProof
)

// AliceConfig is what Alice agreed with Bob out of band.
type AliceConfig struct {
	Amounts        protocol.Amounts
	CancelTimelock uint32
	PunishTimelock uint32
	Behaviour      Behaviour
	Rand           io.Reader
}

// Alice is an in-process counterparty. Its methods mirror the connection
// Bob's driver uses; receive methods block until Alice has something to
// send or ctx ends.
type Alice struct {
	net *Network
	cfg AliceConfig

	a          *bitcoin.PrivateKey
	sa, va     monero.PrivateKey
	redeemAddr string
	punishAddr string

	mu       sync.Mutex
	dials    int
	failDial int
	amounts  bool
	bob      *protocol.BobRound0
	round0   *protocol.AliceRound0
	txs      *bitcoin.SwapTxs
	round1   *protocol.AliceRound1
	round2   *protocol.BobRound2
	proof    *monero.TransferProof
	redeemed bool
}

// NewAlice creates Alice with fresh keys.
func NewAlice(net *Network, cfg AliceConfig) (*Alice, error) {
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	a, err := bitcoin.NewPrivateKey(cfg.Rand)
	if err != nil {
		return nil, err
	}
	sa, err := monero.NewPrivateKey(cfg.Rand)
	if err != nil {
		return nil, err
	}
	va, err := monero.NewPrivateKey(cfg.Rand)
	if err != nil {
		return nil, err
	}
	return &Alice{
		net:        net,
		cfg:        cfg,
		a:          a,
		sa:         sa,
		va:         va,
		redeemAddr: "sim1alice-redeem",
		punishAddr: "sim1alice-punish",
	}, nil
}

// FailNextDials makes the next n Dial calls fail.
func (al *Alice) FailNextDials(n int) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.failDial = n
}

// Dials reports how many times Bob dialled.
func (al *Alice) Dials() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.dials
}

// RedeemAddress is where Alice's bitcoin lands on success.
func (al *Alice) RedeemAddress() string { return al.redeemAddr }

// Redeemed reports whether Alice published the redeem transaction.
func (al *Alice) Redeemed() bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.redeemed
}

func (al *Alice) Dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.dials++
	if al.failDial > 0 {
		al.failDial--
		return ErrDialFailed
	}
	return nil
}

func (al *Alice) RequestAmounts(_ context.Context, btc btcutil.Amount) error {
	if btc != al.cfg.Amounts.BTC {
		return fmt.Errorf("%w: quoted %s, asked %s", ErrQuoteRejected, al.cfg.Amounts.BTC, btc)
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.amounts = true
	return nil
}

func (al *Alice) SendRound0(_ context.Context, msg protocol.BobRound0) error {
	if err := msg.Verify(); err != nil {
		return err
	}
	round0, err := protocol.NewRound0(al.cfg.Rand, protocol.RoleAlice, al.a, al.sa, al.va, al.redeemAddr, al.punishAddr)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.amounts {
		return ErrOutOfOrder
	}
	al.bob = &msg
	al.round0 = &protocol.AliceRound0{Round0: round0, RedeemAddress: al.redeemAddr, PunishAddress: al.punishAddr}
	return nil
}

func (al *Alice) RecvRound0(_ context.Context) (protocol.AliceRound0, error) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.round0 == nil {
		return protocol.AliceRound0{}, ErrOutOfOrder
	}
	return *al.round0, nil
}

// SendRound1 rebuilds the contract from Alice's side, checks Bob's lock
// transaction matches it and prepares her cancel signature and refund
// adaptor signature.
func (al *Alice) SendRound1(ctx context.Context, msg protocol.BobRound1) error {
	al.mu.Lock()
	bob := al.bob
	al.mu.Unlock()
	if bob == nil {
		return ErrOutOfOrder
	}

	txs, err := al.net.Bitcoin.BuildSwapTxs(ctx, bitcoin.TxParams{
		Amount:         al.cfg.Amounts.BTC,
		A:              al.a.Public(),
		B:              bob.SigningKey,
		CancelTimelock: al.cfg.CancelTimelock,
		PunishTimelock: al.cfg.PunishTimelock,
		RefundAddress:  bob.RefundAddress,
		RedeemAddress:  al.redeemAddr,
		PunishAddress:  al.punishAddr,
	})
	if err != nil {
		return err
	}
	if txs.Lock.ID != msg.TxLock.ID {
		return fmt.Errorf("%w: lock tx %s does not match %s", protocol.ErrInvalidMessage, msg.TxLock.ID, txs.Lock.ID)
	}

	cancelSig, err := al.a.Sign(txs.Cancel.SigHash)
	if err != nil {
		return err
	}
	refundEncSig, err := bitcoin.EncSign(al.a, bob.SpendBitcoin, txs.Refund.SigHash)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	al.txs = txs
	al.round1 = &protocol.AliceRound1{TxCancelSig: cancelSig, TxRefundEncSig: refundEncSig}
	return nil
}

func (al *Alice) RecvRound1(_ context.Context) (protocol.AliceRound1, error) {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.round1 == nil {
		return protocol.AliceRound1{}, ErrOutOfOrder
	}
	return *al.round1, nil
}

func (al *Alice) SendRound2(_ context.Context, msg protocol.BobRound2) error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.txs == nil || al.bob == nil {
		return ErrOutOfOrder
	}
	if err := al.bob.SigningKey.Verify(al.txs.Cancel.SigHash, msg.TxCancelSig); err != nil {
		return fmt.Errorf("%w: cancel signature: %w", protocol.ErrInvalidMessage, err)
	}
	if err := al.bob.SigningKey.Verify(al.txs.Punish.SigHash, msg.TxPunishSig); err != nil {
		return fmt.Errorf("%w: punish signature: %w", protocol.ErrInvalidMessage, err)
	}
	al.round2 = &msg
	return nil
}

// RecvTransferProof waits for Bob's lock to confirm, then locks Monero at
// the shared address. A resumed Bob gets the same proof again.
func (al *Alice) RecvTransferProof(ctx context.Context) (protocol.TransferProof, error) {
	al.mu.Lock()
	txs, bob, proof := al.txs, al.bob, al.proof
	al.mu.Unlock()
	if proof != nil {
		return protocol.TransferProof{Proof: *proof}, nil
	}
	if txs == nil || bob == nil {
		return protocol.TransferProof{}, ErrOutOfOrder
	}

	if al.cfg.Behaviour == NoXMRLock {
		<-ctx.Done()
		return protocol.TransferProof{}, ctx.Err()
	}
	if err := al.net.Bitcoin.WaitForConfirmations(ctx, txs.Lock.ID, 1); err != nil {
		return protocol.TransferProof{}, err
	}

	spend := monero.AddPublic(al.sa.Public(), bob.SpendMonero)
	view := monero.Sum(al.va, bob.View).Public()
	transfer := al.net.Monero.Transfer
	if al.cfg.Behaviour == UnpaidProof {
		transfer = al.net.Monero.Unbroadcast
	}
	p, err := transfer(al.cfg.Rand, spend, view, al.cfg.Amounts.XMR)
	if err != nil {
		return protocol.TransferProof{}, err
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	al.proof = &p
	return protocol.TransferProof{Proof: p}, nil
}

// SendEncryptedSignature completes Bob's redeem adaptor signature with s_a
// and publishes the redeem, revealing s_a to Bob. Delivery succeeds even if
// the redeem can no longer be published, as it would over a real network.
func (al *Alice) SendEncryptedSignature(ctx context.Context, msg protocol.EncryptedSignatureMessage) error {
	al.mu.Lock()
	txs, bob := al.txs, al.bob
	al.mu.Unlock()
	if txs == nil || bob == nil {
		return ErrOutOfOrder
	}

	saBTC, err := protocol.SecpSpendKey(al.sa)
	if err != nil {
		return err
	}
	if err := bitcoin.VerifyEncSignature(bob.SigningKey, saBTC.Public(), txs.Redeem.SigHash, msg.TxRedeemEncSig); err != nil {
		return fmt.Errorf("%w: redeem encrypted signature: %w", protocol.ErrInvalidMessage, err)
	}
	if al.cfg.Behaviour == NoRedeem {
		return nil
	}

	bobSig, err := bitcoin.DecryptSignature(msg.TxRedeemEncSig, saBTC)
	if err != nil {
		return err
	}
	aliceSig, err := al.a.Sign(txs.Redeem.SigHash)
	if err != nil {
		return err
	}
	if _, err := al.net.Bitcoin.Publish(ctx, txs.Redeem, aliceSig, bobSig); err != nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	al.redeemed = true
	return nil
}

package protocol

import (
	"context"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
	"github.com/mbd888/swapd/internal/timelock"
)

// State0 is Bob's fresh key material before any message is exchanged.
type State0 struct {
	B                   *bitcoin.PrivateKey `json:"b"`
	SB                  monero.PrivateKey   `json:"sB"`
	VB                  monero.PrivateKey   `json:"vB"`
	BTC                 btcutil.Amount      `json:"btc"`
	XMR                 monero.Amount       `json:"xmr"`
	CancelTimelock      uint32              `json:"cancelTimelock"`
	PunishTimelock      uint32              `json:"punishTimelock"`
	RefundAddress       string              `json:"refundAddress"`
	MoneroConfirmations uint64              `json:"moneroConfirmations"`
}

// NewState0 draws Bob's keys from r.
func NewState0(r io.Reader, amounts Amounts, cfg Config) (State0, error) {
	if err := amounts.Validate(); err != nil {
		return State0{}, err
	}
	b, err := bitcoin.NewPrivateKey(r)
	if err != nil {
		return State0{}, err
	}
	sb, err := monero.NewPrivateKey(r)
	if err != nil {
		return State0{}, err
	}
	vb, err := monero.NewPrivateKey(r)
	if err != nil {
		return State0{}, err
	}
	confs := cfg.MoneroConfirmations
	if confs == 0 {
		confs = DefaultMoneroConfirmations
	}
	return State0{
		B:                   b,
		SB:                  sb,
		VB:                  vb,
		BTC:                 amounts.BTC,
		XMR:                 amounts.XMR,
		CancelTimelock:      cfg.CancelTimelock,
		PunishTimelock:      cfg.PunishTimelock,
		RefundAddress:       cfg.RefundAddress,
		MoneroConfirmations: confs,
	}, nil
}

// NextMessage reveals Bob's public keys and view share with fresh proofs.
func (s State0) NextMessage(r io.Reader) (BobRound0, error) {
	m, err := NewRound0(r, RoleBob, s.B, s.SB, s.VB, s.RefundAddress)
	if err != nil {
		return BobRound0{}, err
	}
	return BobRound0{Round0: m, RefundAddress: s.RefundAddress}, nil
}

// Receive validates Alice's keys, checks the wallet can fund the swap and
// builds the contract transactions.
func (s State0) Receive(ctx context.Context, w bitcoin.Wallet, msg AliceRound0) (State1, error) {
	if err := msg.Verify(); err != nil {
		return State1{}, err
	}

	lockFee, err := w.EstimateFee(ctx, bitcoin.TxLock)
	if err != nil {
		return State1{}, fmt.Errorf("estimating lock fee: %w", err)
	}
	balance, err := w.Balance(ctx)
	if err != nil {
		return State1{}, fmt.Errorf("reading balance: %w", err)
	}
	if balance < s.BTC+lockFee {
		return State1{}, fmt.Errorf("%w: have %s, need %s plus %s fee",
			bitcoin.ErrInsufficientFunds, balance, s.BTC, lockFee)
	}

	cancelFee, err := w.EstimateFee(ctx, bitcoin.TxCancel)
	if err != nil {
		return State1{}, fmt.Errorf("estimating cancel fee: %w", err)
	}
	refundFee, err := w.EstimateFee(ctx, bitcoin.TxRefund)
	if err != nil {
		return State1{}, fmt.Errorf("estimating refund fee: %w", err)
	}
	if s.BTC <= cancelFee+refundFee+DustLimit {
		return State1{}, fmt.Errorf("%w: %s against %s fees", ErrAmountTooLow, s.BTC, cancelFee+refundFee)
	}

	alice := AliceKeys{
		A:             msg.SigningKey,
		SABitcoin:     msg.SpendBitcoin,
		SAMonero:      msg.SpendMonero,
		VA:            msg.View,
		RedeemAddress: msg.RedeemAddress,
		PunishAddress: msg.PunishAddress,
	}
	txs, err := w.BuildSwapTxs(ctx, bitcoin.TxParams{
		Amount:         s.BTC,
		A:              alice.A,
		B:              s.B.Public(),
		CancelTimelock: s.CancelTimelock,
		PunishTimelock: s.PunishTimelock,
		RefundAddress:  s.RefundAddress,
		RedeemAddress:  alice.RedeemAddress,
		PunishAddress:  alice.PunishAddress,
	})
	if err != nil {
		return State1{}, fmt.Errorf("building swap transactions: %w", err)
	}

	return State1{State0: s, Alice: alice, Txs: *txs}, nil
}

// AliceKeys is what Bob learns from AliceRound0.
type AliceKeys struct {
	A             *bitcoin.PublicKey `json:"a"`
	SABitcoin     *bitcoin.PublicKey `json:"sABitcoin"`
	SAMonero      monero.PublicKey   `json:"sAMonero"`
	VA            monero.PrivateKey  `json:"vA"`
	RedeemAddress string             `json:"redeemAddress"`
	PunishAddress string             `json:"punishAddress"`
}

// State1 knows both parties' keys and the contract transactions.
type State1 struct {
	State0
	Alice AliceKeys       `json:"alice"`
	Txs   bitcoin.SwapTxs `json:"txs"`
}

func (s State1) NextMessage() BobRound1 {
	return BobRound1{TxLock: s.Txs.Lock}
}

// Receive checks Alice's cancel signature and refund adaptor signature. It
// does not touch the wallet.
func (s State1) Receive(msg AliceRound1) (State2, error) {
	if err := s.Alice.A.Verify(s.Txs.Cancel.SigHash, msg.TxCancelSig); err != nil {
		return State2{}, fmt.Errorf("%w: cancel signature: %w", ErrInvalidMessage, err)
	}
	sbBTC, err := SecpSpendKey(s.SB)
	if err != nil {
		return State2{}, err
	}
	if err := bitcoin.VerifyEncSignature(s.Alice.A, sbBTC.Public(), s.Txs.Refund.SigHash, msg.TxRefundEncSig); err != nil {
		return State2{}, fmt.Errorf("%w: refund encrypted signature: %w", ErrInvalidMessage, err)
	}
	return State2{State1: s, TxCancelSigAlice: msg.TxCancelSig, TxRefundEncSig: msg.TxRefundEncSig}, nil
}

// TimelockParams identifies the transactions the timelocks are measured on.
func (s State1) TimelockParams() timelock.Params {
	return timelock.Params{
		CancelTimelock: s.CancelTimelock,
		PunishTimelock: s.PunishTimelock,
		TxLockID:       s.Txs.Lock.ID,
		TxCancelID:     s.Txs.Cancel.ID,
	}
}

// TxLockID is the identifier of Bob's lock transaction.
func (s State1) TxLockID() chainhash.Hash {
	return s.Txs.Lock.ID
}

// State2 is the negotiated setup: everything Bob needs before locking.
type State2 struct {
	State1
	TxCancelSigAlice []byte                     `json:"txCancelSigAlice"`
	TxRefundEncSig   bitcoin.EncryptedSignature `json:"txRefundEncSig"`
}

// NextMessage signs the cancel and punish transactions for Alice.
func (s State2) NextMessage() (BobRound2, error) {
	cancelSig, err := s.B.Sign(s.Txs.Cancel.SigHash)
	if err != nil {
		return BobRound2{}, fmt.Errorf("signing cancel: %w", err)
	}
	punishSig, err := s.B.Sign(s.Txs.Punish.SigHash)
	if err != nil {
		return BobRound2{}, fmt.Errorf("signing punish: %w", err)
	}
	return BobRound2{TxCancelSig: cancelSig, TxPunishSig: punishSig}, nil
}

// LockBTC publishes the lock transaction and waits for its first
// confirmation. A lock already broadcast by an earlier run is not sent
// again.
func (s State2) LockBTC(ctx context.Context, w bitcoin.Wallet) (State3, error) {
	if err := publishOnce(ctx, w, s.Txs.Lock); err != nil {
		return State3{}, fmt.Errorf("publishing lock tx: %w", err)
	}
	if err := w.WaitForConfirmations(ctx, s.Txs.Lock.ID, 1); err != nil {
		return State3{}, fmt.Errorf("waiting for lock tx: %w", err)
	}
	return State3{State2: s}, nil
}

// State3 has bitcoin locked and waits for Alice's Monero.
type State3 struct {
	State2
}

// WatchForLockXMR waits for the transfer named by proof to reach the shared
// Monero address with enough confirmations.
func (s State3) WatchForLockXMR(ctx context.Context, w monero.Wallet, proof monero.TransferProof, restoreHeight uint64) (State4, error) {
	req := monero.WatchRequest{
		PublicSpendKey: monero.AddPublic(s.Alice.SAMonero, s.SB.Public()),
		PrivateViewKey: monero.Sum(s.Alice.VA, s.VB),
		Amount:         s.XMR,
		Proof:          proof,
		Confirmations:  s.MoneroConfirmations,
		RestoreHeight:  restoreHeight,
	}
	if err := w.WatchForTransfer(ctx, req); err != nil {
		return State4{}, fmt.Errorf("watching for xmr lock: %w", err)
	}
	return State4{State3: s, MoneroRestoreHeight: restoreHeight}, nil
}

// State4 moves to the cancel path without a confirmed Monero lock. The
// restore height is left at zero.
func (s State3) State4() State4 {
	return State4{State3: s}
}

// State4 is the state from which Bob either redeems Monero or recovers his
// bitcoin.
type State4 struct {
	State3
	MoneroRestoreHeight uint64 `json:"moneroRestoreHeight"`
}

// TxRedeemEncSig is Bob's redeem signature encrypted under Alice's spend
// share. Alice can complete it only by revealing s_a.
func (s State4) TxRedeemEncSig(ctx context.Context, w bitcoin.Wallet) (bitcoin.EncryptedSignature, error) {
	return w.EncSign(ctx, s.B, s.Alice.SABitcoin, s.Txs.Redeem.SigHash)
}

// CheckForTxCancel reports whether the cancel transaction is already known to
// the chain. A cancel sitting in the mempool counts; CheckForTxCancel waits
// for it to confirm instead of letting the caller broadcast it again.
func (s State4) CheckForTxCancel(ctx context.Context, w bitcoin.Wallet) (bool, error) {
	status, err := w.TxStatus(ctx, s.Txs.Cancel.ID)
	if err != nil {
		return false, fmt.Errorf("cancel tx status: %w", err)
	}
	if !status.Seen() {
		return false, nil
	}
	if status.Confirmations == 0 {
		if err := w.WaitForConfirmations(ctx, s.Txs.Cancel.ID, 1); err != nil {
			return false, fmt.Errorf("waiting for cancel tx: %w", err)
		}
	}
	return true, nil
}

// SubmitTxCancel publishes the cancel transaction and waits for it to
// confirm.
func (s State4) SubmitTxCancel(ctx context.Context, w bitcoin.Wallet) (chainhash.Hash, error) {
	sig, err := s.B.Sign(s.Txs.Cancel.SigHash)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("signing cancel: %w", err)
	}
	txid, err := w.Publish(ctx, s.Txs.Cancel, s.TxCancelSigAlice, sig)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("publishing cancel tx: %w", err)
	}
	if err := w.WaitForConfirmations(ctx, txid, 1); err != nil {
		return chainhash.Hash{}, fmt.Errorf("waiting for cancel tx: %w", err)
	}
	return txid, nil
}

// RefundBTC completes Alice's refund adaptor signature with s_b and
// publishes the refund unless an earlier run already did.
func (s State4) RefundBTC(ctx context.Context, w bitcoin.Wallet) error {
	sbBTC, err := SecpSpendKey(s.SB)
	if err != nil {
		return err
	}
	aliceSig, err := bitcoin.DecryptSignature(s.TxRefundEncSig, sbBTC)
	if err != nil {
		return fmt.Errorf("decrypting refund signature: %w", err)
	}
	bobSig, err := s.B.Sign(s.Txs.Refund.SigHash)
	if err != nil {
		return fmt.Errorf("signing refund: %w", err)
	}
	if err := publishOnce(ctx, w, s.Txs.Refund, aliceSig, bobSig); err != nil {
		return fmt.Errorf("publishing refund tx: %w", err)
	}
	if err := w.WaitForConfirmations(ctx, s.Txs.Refund.ID, 1); err != nil {
		return fmt.Errorf("waiting for refund tx: %w", err)
	}
	return nil
}

// WatchForRedeemBTC waits for Alice's redeem and extracts s_a by comparing
// Bob's completed signature in it with encsig, the adaptor signature Alice
// was sent.
func (s State4) WatchForRedeemBTC(ctx context.Context, w bitcoin.Wallet, encsig bitcoin.EncryptedSignature) (State5, error) {
	sig, err := w.WatchForSignature(ctx, s.Txs.Redeem, s.B.Public())
	if err != nil {
		return State5{}, fmt.Errorf("watching for redeem tx: %w", err)
	}
	t, err := bitcoin.RecoverSecret(encsig, sig)
	if err != nil {
		return State5{}, fmt.Errorf("recovering secret: %w", err)
	}
	sa, err := monero.PrivateKeyFromSecp256k1(t.Serialize())
	if err != nil {
		return State5{}, fmt.Errorf("%w: %w", ErrSecretMismatch, err)
	}
	if !sa.Public().Equal(s.Alice.SAMonero) {
		return State5{}, ErrSecretMismatch
	}
	return State5{State4: s, SA: sa}, nil
}

// State5 holds Alice's spend share.
type State5 struct {
	State4
	SA monero.PrivateKey `json:"sA"`
}

// ClaimXMR sweeps the shared Monero output into Bob's wallet.
func (s State5) ClaimXMR(ctx context.Context, w monero.Wallet) (monero.Address, error) {
	spend := monero.Sum(s.SA, s.SB)
	view := monero.Sum(s.Alice.VA, s.VB)
	addr, err := w.CreateFromKeys(ctx, spend, view, s.MoneroRestoreHeight)
	if err != nil {
		return "", fmt.Errorf("claiming xmr: %w", err)
	}
	return addr, nil
}

// publishOnce broadcasts tx unless the chain already knows it.
func publishOnce(ctx context.Context, w bitcoin.Wallet, tx bitcoin.Tx, sigs ...[]byte) error {
	status, err := w.TxStatus(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("tx status: %w", err)
	}
	if status.Seen() {
		return nil
	}
	_, err = w.Publish(ctx, tx, sigs...)
	return err
}

package protocol

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/swapd/internal/bitcoin"
	"github.com/mbd888/swapd/internal/monero"
)

// Role tags bind a round-0 transcript to the party that produced it.
const (
	RoleAlice = "alice"
	RoleBob   = "bob"
)

// Round0 is the key material each party reveals first, with proofs that it
// holds the spend share on both curves.
type Round0 struct {
	SigningKey   *bitcoin.PublicKey `json:"signingKey"`
	SpendBitcoin *bitcoin.PublicKey `json:"spendBitcoin"`
	SpendMonero  monero.PublicKey   `json:"spendMonero"`
	View         monero.PrivateKey  `json:"view"`
	Nonce        []byte             `json:"nonce"`
	ProofBitcoin []byte             `json:"proofBitcoin"`
	ProofMonero  []byte             `json:"proofMonero"`
}

// NewRound0 builds and proves a round-0 message. bind lists extra values
// (addresses) the proofs commit to.
func NewRound0(r io.Reader, role string, signing *bitcoin.PrivateKey, spend, view monero.PrivateKey, bind ...string) (Round0, error) {
	spendBTC, err := SecpSpendKey(spend)
	if err != nil {
		return Round0{}, fmt.Errorf("spend key on secp256k1: %w", err)
	}
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return Round0{}, fmt.Errorf("reading nonce: %w", err)
	}

	m := Round0{
		SigningKey:   signing.Public(),
		SpendBitcoin: spendBTC.Public(),
		SpendMonero:  spend.Public(),
		View:         view,
		Nonce:        nonce,
	}
	digest := m.transcript(role, bind)

	if m.ProofBitcoin, err = spendBTC.Sign(chainhash.Hash(digest)); err != nil {
		return Round0{}, fmt.Errorf("bitcoin key proof: %w", err)
	}
	if m.ProofMonero, err = monero.Prove(r, spend, digest[:]); err != nil {
		return Round0{}, fmt.Errorf("monero key proof: %w", err)
	}
	return m, nil
}

// Verify checks both proofs against the transcript for role and bind.
func (m Round0) Verify(role string, bind ...string) error {
	if m.SigningKey == nil || m.SpendBitcoin == nil || m.SpendMonero.IsZero() || m.View.IsZero() {
		return fmt.Errorf("%w: missing key", ErrInvalidMessage)
	}
	if len(m.Nonce) != 32 {
		return fmt.Errorf("%w: bad nonce", ErrInvalidMessage)
	}
	digest := m.transcript(role, bind)
	if err := m.SpendBitcoin.Verify(chainhash.Hash(digest), m.ProofBitcoin); err != nil {
		return fmt.Errorf("%w: bitcoin key proof: %w", ErrInvalidMessage, err)
	}
	if err := monero.VerifyProof(m.SpendMonero, digest[:], m.ProofMonero); err != nil {
		return fmt.Errorf("%w: monero key proof: %w", ErrInvalidMessage, err)
	}
	return nil
}

func (m Round0) transcript(role string, bind []string) [32]byte {
	parts := [][]byte{
		[]byte("swapd/round0"),
		[]byte(role),
		m.Nonce,
		m.SigningKey.Bytes(),
		m.SpendBitcoin.Bytes(),
		m.SpendMonero.Bytes(),
		m.View.Public().Bytes(),
	}
	for _, b := range bind {
		parts = append(parts, []byte(b))
	}
	return [32]byte(crypto.Keccak256(parts...))
}

// BobRound0 opens the handshake.
type BobRound0 struct {
	Round0
	RefundAddress string `json:"refundAddress"`
}

// AliceRound0 answers BobRound0.
type AliceRound0 struct {
	Round0
	RedeemAddress string `json:"redeemAddress"`
	PunishAddress string `json:"punishAddress"`
}

// Verify checks Alice's proofs and addresses.
func (m AliceRound0) Verify() error {
	if m.RedeemAddress == "" || m.PunishAddress == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidMessage)
	}
	return m.Round0.Verify(RoleAlice, m.RedeemAddress, m.PunishAddress)
}

// Verify checks Bob's proofs and refund address.
func (m BobRound0) Verify() error {
	if m.RefundAddress == "" {
		return fmt.Errorf("%w: missing refund address", ErrInvalidMessage)
	}
	return m.Round0.Verify(RoleBob, m.RefundAddress)
}

// BobRound1 hands Alice the unsigned lock transaction.
type BobRound1 struct {
	TxLock bitcoin.Tx `json:"txLock"`
}

// AliceRound1 carries Alice's half of the cancel path: her cancel signature
// and her refund signature encrypted under Bob's spend share.
type AliceRound1 struct {
	TxCancelSig    []byte                     `json:"txCancelSig"`
	TxRefundEncSig bitcoin.EncryptedSignature `json:"txRefundEncSig"`
}

// BobRound2 carries Bob's cancel and punish signatures so Alice can always
// cancel and, after the punish timelock, punish.
type BobRound2 struct {
	TxCancelSig []byte `json:"txCancelSig"`
	TxPunishSig []byte `json:"txPunishSig"`
}

// TransferProof announces Alice's Monero lock.
type TransferProof struct {
	Proof monero.TransferProof `json:"proof"`
}

// EncryptedSignatureMessage carries Bob's redeem adaptor signature.
type EncryptedSignatureMessage struct {
	TxRedeemEncSig bitcoin.EncryptedSignature `json:"txRedeemEncSig"`
}

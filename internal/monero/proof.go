package monero

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidProof = errors.New("monero: invalid key proof")

// Prove returns a Schnorr proof (R || s) that the caller knows key, bound to
// msg. The nonce is drawn from r.
func Prove(r io.Reader, key PrivateKey, msg []byte) ([]byte, error) {
	k, err := NewPrivateKey(r)
	if err != nil {
		return nil, err
	}
	R := k.Public()
	c := proofChallenge(R, key.Public(), msg)

	s := edwards25519.NewScalar().MultiplyAdd(c, key.s, k.s)
	return append(R.Bytes(), s.Bytes()...), nil
}

// VerifyProof checks s*G == R + c*P.
func VerifyProof(pub PublicKey, msg, proof []byte) error {
	if len(proof) != 64 || pub.IsZero() {
		return ErrInvalidProof
	}
	R, err := PublicKeyFromBytes(proof[:32])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(proof[32:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	c := proofChallenge(R, pub, msg)

	lhs := new(edwards25519.Point).ScalarBaseMult(s)
	rhs := new(edwards25519.Point).Add(R.p, new(edwards25519.Point).ScalarMult(c, pub.p))
	if lhs.Equal(rhs) != 1 {
		return ErrInvalidProof
	}
	return nil
}

func proofChallenge(R, P PublicKey, msg []byte) *edwards25519.Scalar {
	h := crypto.Keccak256(R.Bytes(), P.Bytes(), msg)
	var wide [64]byte
	copy(wide[:], h)
	c, _ := edwards25519.NewScalar().SetUniformBytes(wide[:])
	return c
}

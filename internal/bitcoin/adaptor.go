package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var adaptorNonceTag = []byte("swapd/adaptor-nonce")

// EncryptedSignature is a BIP-340 adaptor signature. Adding the discrete log
// t of the encryption key T to SPrime yields a signature (R, s) that
// verifies under the signer's key; anyone holding both the adaptor and the
// completed signature learns t.
type EncryptedSignature struct {
	R      []byte `json:"r"`
	SPrime []byte `json:"sPrime"`
}

func (e EncryptedSignature) String() string {
	return hex.EncodeToString(e.R) + ":" + hex.EncodeToString(e.SPrime)
}

// Validate checks the encoding only. It does not check the adaptor relation.
func (e EncryptedSignature) Validate() error {
	if len(e.R) != 32 || len(e.SPrime) != 32 {
		return fmt.Errorf("%w: bad lengths r=%d s'=%d", ErrInvalidEncSignature, len(e.R), len(e.SPrime))
	}
	if _, err := schnorr.ParsePubKey(e.R); err != nil {
		return fmt.Errorf("%w: r not on curve", ErrInvalidEncSignature)
	}
	var sp btcec.ModNScalar
	if overflow := sp.SetByteSlice(e.SPrime); overflow {
		return fmt.Errorf("%w: s' overflows", ErrInvalidEncSignature)
	}
	return nil
}

// EncSign signs sighash with key, encrypted under encKey. The nonce is
// derived from the inputs, so signing the same message twice yields the same
// adaptor; a party that handed the adaptor out can rebuild it later to
// recover the secret.
func EncSign(key *PrivateKey, encKey *PublicKey, sighash chainhash.Hash) (EncryptedSignature, error) {
	x := key.Key
	if key.PubKey().SerializeCompressed()[0] == 0x03 {
		x.Negate()
	}
	px := schnorr.SerializePubKey(key.PubKey())
	secret := key.Serialize()
	tBytes := encKey.SerializeCompressed()

	var tj btcec.JacobianPoint
	encKey.AsJacobian(&tj)

	for counter := uint32(0); ; counter++ {
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h := chainhash.TaggedHash(adaptorNonceTag, secret, tBytes, sighash[:], ctr[:])

		var k btcec.ModNScalar
		if overflow := k.SetBytes((*[32]byte)(h)); overflow != 0 || k.IsZero() {
			continue
		}
		var kj, rj btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(&k, &kj)
		btcec.AddNonConst(&kj, &tj, &rj)
		if rj.Z.IsZero() {
			continue
		}
		rj.ToAffine()
		if rj.Y.IsOdd() {
			continue
		}
		rx := rj.X.Bytes()

		e := challenge(rx[:], px, sighash)
		var sp btcec.ModNScalar
		sp.Mul2(&e, &x).Add(&k)
		spb := sp.Bytes()

		return EncryptedSignature{R: rx[:], SPrime: spb[:]}, nil
	}
}

// VerifyEncSignature checks s'*G + T == R + e*P.
func VerifyEncSignature(pub, encKey *PublicKey, sighash chainhash.Hash, enc EncryptedSignature) error {
	if err := enc.Validate(); err != nil {
		return err
	}
	rPoint, _ := schnorr.ParsePubKey(enc.R)
	px := schnorr.SerializePubKey(pub.PublicKey)
	pEven, err := schnorr.ParsePubKey(px)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var sp btcec.ModNScalar
	sp.SetByteSlice(enc.SPrime)
	e := challenge(enc.R, px, sighash)

	var spG, tj, lhs btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&sp, &spG)
	encKey.AsJacobian(&tj)
	btcec.AddNonConst(&spG, &tj, &lhs)

	var pj, eP, rj, rhs btcec.JacobianPoint
	pEven.AsJacobian(&pj)
	btcec.ScalarMultNonConst(&e, &pj, &eP)
	rPoint.AsJacobian(&rj)
	btcec.AddNonConst(&rj, &eP, &rhs)

	if lhs.Z.IsZero() || rhs.Z.IsZero() {
		return fmt.Errorf("%w: point at infinity", ErrInvalidEncSignature)
	}
	lhs.ToAffine()
	rhs.ToAffine()
	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return fmt.Errorf("%w: adaptor relation failed", ErrInvalidEncSignature)
	}
	return nil
}

// DecryptSignature completes an adaptor signature with the secret t,
// returning the 64-byte BIP-340 signature R || s where s = s' + t.
func DecryptSignature(enc EncryptedSignature, secret *PrivateKey) ([]byte, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	var s btcec.ModNScalar
	s.SetByteSlice(enc.SPrime)
	s.Add(&secret.Key)
	sb := s.Bytes()

	sig := make([]byte, 0, 64)
	sig = append(sig, enc.R...)
	return append(sig, sb[:]...), nil
}

// RecoverSecret extracts t = s - s' from a completed signature and the
// adaptor it was produced from.
func RecoverSecret(enc EncryptedSignature, sig []byte) (*PrivateKey, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("%w: want 64 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	if !bytes.Equal(sig[:32], enc.R) {
		return nil, fmt.Errorf("%w: nonce does not match adaptor", ErrInvalidSignature)
	}

	var s, negSP btcec.ModNScalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return nil, fmt.Errorf("%w: s overflows", ErrInvalidSignature)
	}
	negSP.SetByteSlice(enc.SPrime)
	negSP.Negate()
	s.Add(&negSP)
	if s.IsZero() {
		return nil, fmt.Errorf("%w: recovered zero secret", ErrInvalidKey)
	}
	return &PrivateKey{btcec.PrivKeyFromScalar(&s)}, nil
}

func challenge(rx, px []byte, sighash chainhash.Hash) btcec.ModNScalar {
	h := chainhash.TaggedHash(chainhash.TagBIP0340Challenge, rx, px, sighash[:])
	var e btcec.ModNScalar
	e.SetByteSlice(h[:])
	return e
}

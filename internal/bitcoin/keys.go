package bitcoin

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PrivateKey is a secp256k1 secret key that survives a JSON round trip.
type PrivateKey struct {
	*btcec.PrivateKey
}

// NewPrivateKey draws a key from r, rejecting zero and out-of-range values.
func NewPrivateKey(r io.Reader) (*PrivateKey, error) {
	var b [32]byte
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, fmt.Errorf("reading key material: %w", err)
		}
		var s btcec.ModNScalar
		if overflow := s.SetBytes(&b); overflow != 0 || s.IsZero() {
			continue
		}
		return &PrivateKey{btcec.PrivKeyFromScalar(&s)}, nil
	}
}

// PrivateKeyFromBytes parses a 32-byte big-endian scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(b); overflow || s.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidKey)
	}
	return &PrivateKey{btcec.PrivKeyFromScalar(&s)}, nil
}

// Public returns the matching public key.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{k.PubKey()}
}

// Sign produces a BIP-340 signature over sighash.
func (k *PrivateKey) Sign(sighash chainhash.Hash) ([]byte, error) {
	sig, err := schnorr.Sign(k.PrivateKey, sighash[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	if k.PrivateKey == nil {
		return []byte{}, nil
	}
	return []byte(hex.EncodeToString(k.Serialize())), nil
}

func (k *PrivateKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = PrivateKey{}
		return nil
	}
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	parsed, err := PrivateKeyFromBytes(b)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}

// PublicKey is a secp256k1 point, serialized compressed.
type PublicKey struct {
	*btcec.PublicKey
}

// ParsePublicKey parses a compressed or uncompressed encoding.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &PublicKey{pk}, nil
}

// Verify checks a BIP-340 signature over sighash.
func (k *PublicKey) Verify(sighash chainhash.Hash, sig []byte) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Verify(sighash[:], k.PublicKey) {
		return ErrInvalidSignature
	}
	return nil
}

// Bytes returns the compressed encoding.
func (k *PublicKey) Bytes() []byte {
	return k.SerializeCompressed()
}

func (k PublicKey) MarshalText() ([]byte, error) {
	if k.PublicKey == nil {
		return []byte{}, nil
	}
	return []byte(hex.EncodeToString(k.SerializeCompressed())), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = PublicKey{}
		return nil
	}
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	parsed, err := ParsePublicKey(b)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}

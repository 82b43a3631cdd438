package monero

import (
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey is a canonical ed25519 scalar.
type PrivateKey struct {
	s *edwards25519.Scalar
}

// NewPrivateKey draws 64 bytes from r and reduces them modulo l.
func NewPrivateKey(r io.Reader) (PrivateKey, error) {
	var wide [64]byte
	if _, err := io.ReadFull(r, wide[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("reading key material: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return PrivateKey{}, err
	}
	return PrivateKey{s: s}, nil
}

// PrivateKeyFromBytes parses a 32-byte little-endian canonical scalar.
func PrivateKeyFromBytes(b []byte) (PrivateKey, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PrivateKey{s: s}, nil
}

// PrivateKeyFromSecp256k1 converts a big-endian secp256k1 scalar to a Monero
// key. The value must be below the ed25519 group order, which holds for
// secrets generated on the Monero side and revealed through an adaptor
// signature.
func PrivateKeyFromSecp256k1(be []byte) (PrivateKey, error) {
	if len(be) != 32 {
		return PrivateKey{}, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidKey, len(be))
	}
	return PrivateKeyFromBytes(reverse(be))
}

// Sum returns a + b mod l.
func Sum(a, b PrivateKey) PrivateKey {
	return PrivateKey{s: edwards25519.NewScalar().Add(a.s, b.s)}
}

// IsZero reports whether the key is unset.
func (k PrivateKey) IsZero() bool { return k.s == nil }

// Bytes returns the little-endian encoding.
func (k PrivateKey) Bytes() []byte {
	if k.s == nil {
		return nil
	}
	return k.s.Bytes()
}

// BigEndian returns the scalar as a big-endian 32-byte value, the encoding
// secp256k1 uses.
func (k PrivateKey) BigEndian() []byte {
	return reverse(k.Bytes())
}

func (k PrivateKey) Public() PublicKey {
	return PublicKey{p: new(edwards25519.Point).ScalarBaseMult(k.s)}
}

func (k PrivateKey) Equal(o PrivateKey) bool {
	if k.s == nil || o.s == nil {
		return k.s == o.s
	}
	return k.s.Equal(o.s) == 1
}

func (k PrivateKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k.Bytes())), nil
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
	*k = parsed
	return nil
}

// PublicKey is an ed25519 point.
type PublicKey struct {
	p *edwards25519.Point
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PublicKey{p: p}, nil
}

// AddPublic returns a + b.
func AddPublic(a, b PublicKey) PublicKey {
	return PublicKey{p: new(edwards25519.Point).Add(a.p, b.p)}
}

func (k PublicKey) IsZero() bool { return k.p == nil }

func (k PublicKey) Bytes() []byte {
	if k.p == nil {
		return nil
	}
	return k.p.Bytes()
}

func (k PublicKey) Equal(o PublicKey) bool {
	if k.p == nil || o.p == nil {
		return k.p == o.p
	}
	return k.p.Equal(o.p) == 1
}

func (k PublicKey) String() string { return hex.EncodeToString(k.Bytes()) }

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
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
	parsed, err := PublicKeyFromBytes(b)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Address is a hex-encoded network tag, spend key, view key and a
// Keccak-256 checksum.
type Address string

// Network tags for NewAddress.
const (
	Mainnet  byte = 0x12
	Stagenet byte = 0x18
	Simnet   byte = 0x35
)

func NewAddress(network byte, spend, view PublicKey) Address {
	body := make([]byte, 0, 1+32+32+4)
	body = append(body, network)
	body = append(body, spend.Bytes()...)
	body = append(body, view.Bytes()...)
	sum := crypto.Keccak256(body)
	body = append(body, sum[:4]...)
	return Address(hex.EncodeToString(body))
}

// Validate checks the encoding and checksum.
func (a Address) Validate() error {
	b, err := hex.DecodeString(string(a))
	if err != nil || len(b) != 69 {
		return fmt.Errorf("monero: malformed address %q", a)
	}
	sum := crypto.Keccak256(b[:65])
	if hex.EncodeToString(sum[:4]) != hex.EncodeToString(b[65:]) {
		return fmt.Errorf("monero: bad address checksum")
	}
	return nil
}

// ViewKeyFromSpend derives a private view key as Monero wallets do:
// Keccak-256 of the spend key reduced mod l.
func ViewKeyFromSpend(spend PrivateKey) PrivateKey {
	h := crypto.Keccak256(spend.Bytes())
	var wide [64]byte
	copy(wide[:], h)
	s, _ := edwards25519.NewScalar().SetUniformBytes(wide[:])
	return PrivateKey{s: s}
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

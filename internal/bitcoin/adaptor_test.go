package bitcoin

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) *PrivateKey {
	t.Helper()
	k, err := NewPrivateKey(rand.Reader)
	require.NoError(t, err)
	return k
}

func TestAdaptorSignatureRoundTrip(t *testing.T) {
	signer := mustKey(t)
	secret := mustKey(t)
	sighash := chainhash.DoubleHashH([]byte("redeem"))

	// Run several times so both parities of the signer key are exercised.
	for i := 0; i < 8; i++ {
		enc, err := EncSign(signer, secret.Public(), sighash)
		require.NoError(t, err)
		require.NoError(t, VerifyEncSignature(signer.Public(), secret.Public(), sighash, enc))

		sig, err := DecryptSignature(enc, secret)
		require.NoError(t, err)
		require.Len(t, sig, 64)
		require.NoError(t, signer.Public().Verify(sighash, sig))

		recovered, err := RecoverSecret(enc, sig)
		require.NoError(t, err)
		assert.Equal(t, secret.Serialize(), recovered.Serialize())

		again, err := EncSign(signer, secret.Public(), sighash)
		require.NoError(t, err)
		assert.Equal(t, enc, again)

		signer = mustKey(t)
	}
}

func TestVerifyEncSignatureRejectsWrongKey(t *testing.T) {
	signer := mustKey(t)
	secret := mustKey(t)
	other := mustKey(t)
	sighash := chainhash.DoubleHashH([]byte("refund"))

	enc, err := EncSign(signer, secret.Public(), sighash)
	require.NoError(t, err)

	err = VerifyEncSignature(signer.Public(), other.Public(), sighash, enc)
	assert.ErrorIs(t, err, ErrInvalidEncSignature)

	err = VerifyEncSignature(other.Public(), secret.Public(), sighash, enc)
	assert.ErrorIs(t, err, ErrInvalidEncSignature)

	err = VerifyEncSignature(signer.Public(), secret.Public(), chainhash.DoubleHashH([]byte("cancel")), enc)
	assert.ErrorIs(t, err, ErrInvalidEncSignature)
}

func TestDecryptWithWrongSecretDoesNotVerify(t *testing.T) {
	signer := mustKey(t)
	secret := mustKey(t)
	sighash := chainhash.DoubleHashH([]byte("redeem"))

	enc, err := EncSign(signer, secret.Public(), sighash)
	require.NoError(t, err)

	sig, err := DecryptSignature(enc, mustKey(t))
	require.NoError(t, err)
	assert.ErrorIs(t, signer.Public().Verify(sighash, sig), ErrInvalidSignature)
}

func TestRecoverSecretRejectsForeignSignature(t *testing.T) {
	signer := mustKey(t)
	secret := mustKey(t)
	sighash := chainhash.DoubleHashH([]byte("redeem"))

	enc, err := EncSign(signer, secret.Public(), sighash)
	require.NoError(t, err)

	plain, err := signer.Sign(sighash)
	require.NoError(t, err)

	_, err = RecoverSecret(enc, plain)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = RecoverSecret(enc, plain[:40])
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEncryptedSignatureValidate(t *testing.T) {
	tests := []struct {
		name string
		enc  EncryptedSignature
	}{
		{"empty", EncryptedSignature{}},
		{"short r", EncryptedSignature{R: make([]byte, 31), SPrime: make([]byte, 32)}},
		{"overflowing s'", EncryptedSignature{R: validR(t), SPrime: bytesOf(0xff, 32)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.enc.Validate(), ErrInvalidEncSignature)
		})
	}
}

func TestKeysJSON(t *testing.T) {
	priv := mustKey(t)

	type wrapper struct {
		Priv *PrivateKey `json:"priv"`
		Pub  *PublicKey  `json:"pub"`
	}
	data, err := json.Marshal(wrapper{Priv: priv, Pub: priv.Public()})
	require.NoError(t, err)

	var got wrapper
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, priv.Serialize(), got.Priv.Serialize())
	assert.Equal(t, priv.Public().Bytes(), got.Pub.Bytes())

	var bad wrapper
	err = json.Unmarshal([]byte(`{"pub":"02zz"}`), &bad)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPrivateKeyFromBytes(t *testing.T) {
	_, err := PrivateKeyFromBytes(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = PrivateKeyFromBytes(make([]byte, 12))
	assert.ErrorIs(t, err, ErrInvalidKey)

	k := mustKey(t)
	got, err := PrivateKeyFromBytes(k.Serialize())
	require.NoError(t, err)
	assert.True(t, k.Public().IsEqual(got.Public().PublicKey))
}

func TestTxStatusSeen(t *testing.T) {
	assert.False(t, TxStatus{}.Seen())
	assert.True(t, TxStatus{InMempool: true}.Seen())
	assert.True(t, TxStatus{Confirmations: 3}.Seen())
}

func validR(t *testing.T) []byte {
	t.Helper()
	enc, err := EncSign(mustKey(t), mustKey(t).Public(), chainhash.Hash{})
	require.NoError(t, err)
	return enc.R
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

package client

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
)

func TestSealRoundtrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	msg := []byte(`{"message":"whistle while you work"}`)
	sealed, err := SealToRecipient(pub, msg)
	require.NoError(t, err)
	require.Len(t, sealed, 32+box.Overhead+len(msg))

	opened, err := OpenSealed(pub, priv, sealed)
	require.NoError(t, err)
	require.Equal(t, msg, opened)
}

func TestSealIsNondeterministic(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := SealToRecipient(pub, []byte("same message"))
	require.NoError(t, err)
	b, err := SealToRecipient(pub, []byte("same message"))
	require.NoError(t, err)

	// Fresh ephemeral key per seal means two seals of the same
	// message never match.
	require.NotEqual(t, a, b)
}

func TestOpenSealedRejectsTampering(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealToRecipient(pub, []byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = OpenSealed(pub, priv, sealed)
	require.ErrorIs(t, err, ErrSealOpen)
}

func TestOpenSealedRejectsWrongKey(t *testing.T) {
	pub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, otherPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealed, err := SealToRecipient(pub, []byte("payload"))
	require.NoError(t, err)

	_, err = OpenSealed(otherPub, otherPriv, sealed)
	require.ErrorIs(t, err, ErrSealOpen)
}

func TestOpenSealedRejectsShortInput(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = OpenSealed(pub, priv, []byte("way too short"))
	require.ErrorIs(t, err, ErrSealOpen)
}

func TestSealB64Roundtrip(t *testing.T) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ciphertext, err := SealToRecipientB64(pub, []byte("transport encoded"))
	require.NoError(t, err)

	opened, err := OpenSealedB64(pub, priv, ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("transport encoded"), opened)
}

package chainbox_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verbeth/verbeth-core/internal/chainbox"
)

func TestSealOpenChainRoundTrip(t *testing.T) {
	a := require.New(t)
	var key [32]byte
	_, _ = rand.Read(key[:])
	plaintext := []byte("ratchet message plaintext")

	blob, err := chainbox.SealChain(key, plaintext)
	a.NoError(err)

	got, err := chainbox.OpenChain(key, blob)
	a.NoError(err)
	a.Equal(plaintext, got)
}

func TestOpenChainRejectsWrongKey(t *testing.T) {
	a := require.New(t)
	var key, wrongKey [32]byte
	_, _ = rand.Read(key[:])
	_, _ = rand.Read(wrongKey[:])

	blob, err := chainbox.SealChain(key, []byte("secret"))
	a.NoError(err)

	_, err = chainbox.OpenChain(wrongKey, blob)
	a.ErrorIs(err, chainbox.ErrOpenFailed)
}

func TestOpenChainRejectsTooShort(t *testing.T) {
	a := require.New(t)
	var key [32]byte
	_, err := chainbox.OpenChain(key, []byte("short"))
	a.ErrorIs(err, chainbox.ErrOpenFailed)
}

func TestSealOpenBoxRoundTrip(t *testing.T) {
	a := require.New(t)
	senderPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	a.NoError(err)
	recipientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	a.NoError(err)

	var senderPrivArr, recipientPubArr [32]byte
	copy(senderPrivArr[:], senderPriv.Bytes())
	copy(recipientPubArr[:], recipientPriv.PublicKey().Bytes())

	plaintext := []byte("handshake response envelope plaintext")
	nonce, ciphertext, err := chainbox.SealBox(&senderPrivArr, &recipientPubArr, plaintext)
	a.NoError(err)

	var recipientPrivArr, senderPubArr [32]byte
	copy(recipientPrivArr[:], recipientPriv.Bytes())
	copy(senderPubArr[:], senderPriv.PublicKey().Bytes())

	got, err := chainbox.OpenBox(&recipientPrivArr, &senderPubArr, nonce, ciphertext)
	a.NoError(err)
	a.Equal(plaintext, got)
}

func TestOpenBoxRejectsWrongSender(t *testing.T) {
	a := require.New(t)
	senderPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	a.NoError(err)
	recipientPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	a.NoError(err)
	impostorPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	a.NoError(err)

	var senderPrivArr, recipientPubArr [32]byte
	copy(senderPrivArr[:], senderPriv.Bytes())
	copy(recipientPubArr[:], recipientPriv.PublicKey().Bytes())

	nonce, ciphertext, err := chainbox.SealBox(&senderPrivArr, &recipientPubArr, []byte("secret"))
	a.NoError(err)

	var recipientPrivArr, impostorPubArr [32]byte
	copy(recipientPrivArr[:], recipientPriv.Bytes())
	copy(impostorPubArr[:], impostorPriv.PublicKey().Bytes())

	_, err = chainbox.OpenBox(&recipientPrivArr, &impostorPubArr, nonce, ciphertext)
	a.ErrorIs(err, chainbox.ErrOpenFailed)
}

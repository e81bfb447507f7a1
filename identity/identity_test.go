package identity_test

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/verbeth/verbeth-core/identity"
)

// testWallet is a minimal identity.Signer backed by an in-memory ECDSA
// key, standing in for a browser wallet's personal_sign.
type testWallet struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testWallet{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

func (w *testWallet) Address() common.Address { return w.addr }

func (w *testWallet) SignMessage(plaintext []byte) ([]byte, error) {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(plaintext), plaintext)
	digest := crypto.Keccak256Hash([]byte(msg))
	sig, err := crypto.Sign(digest[:], w.priv)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return identity.CanonicalizeLowS(sig)
}

func TestSeedMessageDeterministic(t *testing.T) {
	a := require.New(t)
	w := newTestWallet(t)

	m1 := identity.SeedMessage(w.addr)
	m2 := identity.SeedMessage(w.addr)
	a.Equal(m1, m2)
	a.Contains(string(m1), "VerbEth Identity Seed v1")
}

func TestDeriveFromIKMDeterministic(t *testing.T) {
	a := require.New(t)
	w := newTestWallet(t)

	seedMsg := identity.SeedMessage(w.addr)
	seedSig, err := w.SignMessage(seedMsg)
	a.NoError(err)

	ikm := identity.AssembleIKM(seedSig, seedMsg, w.addr)

	keys1, err := identity.DeriveFromIKM(ikm)
	a.NoError(err)
	keys2, err := identity.DeriveFromIKM(ikm)
	a.NoError(err)

	a.Equal(keys1.X25519PubBytes(), keys2.X25519PubBytes())
	a.Equal(keys1.Ed25519PubBytes(), keys2.Ed25519PubBytes())
	a.NotEqual(keys1.X25519PubBytes(), keys1.Ed25519PubBytes())
}

func TestDeriveFromIKMVariesPerWallet(t *testing.T) {
	a := require.New(t)
	alice := newTestWallet(t)
	bob := newTestWallet(t)

	deriveFor := func(w *testWallet) *identity.KeyPair {
		seedMsg := identity.SeedMessage(w.addr)
		seedSig, err := w.SignMessage(seedMsg)
		a.NoError(err)
		ikm := identity.AssembleIKM(seedSig, seedMsg, w.addr)
		keys, err := identity.DeriveFromIKM(ikm)
		a.NoError(err)
		return keys
	}

	aliceKeys := deriveFor(alice)
	bobKeys := deriveFor(bob)
	a.NotEqual(aliceKeys.X25519PubBytes(), bobKeys.X25519PubBytes())
	a.NotEqual(aliceKeys.Ed25519PubBytes(), bobKeys.Ed25519PubBytes())
}

func TestCanonicalizeLowSIdempotent(t *testing.T) {
	a := require.New(t)
	w := newTestWallet(t)
	sig, err := w.SignMessage([]byte("hello"))
	a.NoError(err)
	a.Len(sig, 65)

	again, err := identity.CanonicalizeLowS(sig)
	a.NoError(err)
	a.Equal(sig, again)
}

func TestCanonicalizeLowSRejectsBadLength(t *testing.T) {
	a := require.New(t)
	_, err := identity.CanonicalizeLowS(make([]byte, 64))
	a.Error(err)
}

func TestBuildAndParseBindingMessageRoundTrip(t *testing.T) {
	a := require.New(t)
	w := newTestWallet(t)
	executor := newTestWallet(t).addr
	edPub := []byte("ed25519-pub-placeholder-32bytes")
	xPub := []byte("x25519-pub-placeholder--32bytes")

	proof, err := identity.BuildProof(w, executor, edPub, xPub, nil)
	a.NoError(err)
	a.Equal(identity.BindingHeader, proof.Message[:len(identity.BindingHeader)])

	parsed, err := identity.ParseBindingMessage(proof.Message)
	a.NoError(err)
	a.Equal(identity.BindingHeader, parsed.Header)
	a.Equal(strings.ToLower(executor.Hex()), parsed.ExecutorHex) // binding message carries lowercase hex
	a.NotEmpty(parsed.Ed25519PubHex)
	a.NotEmpty(parsed.X25519PubHex)
}

func TestBuildBindingMessageWithContext(t *testing.T) {
	a := require.New(t)
	w := newTestWallet(t)
	executor := newTestWallet(t).addr
	chainID := uint64(1)
	ctx := &identity.BindingContext{ChainID: &chainID, RpID: "verbeth.example"}

	msg := identity.BuildBindingMessage(w.addr, executor, []byte("ed"), []byte("x2"), ctx)
	parsed, err := identity.ParseBindingMessage(msg)
	a.NoError(err)
	a.Equal("1", parsed.ChainID)
	a.Equal("verbeth.example", parsed.RpID)
}

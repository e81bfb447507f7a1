package hsrindex_test

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/verbeth/verbeth-core/handshake"
	"github.com/verbeth/verbeth-core/hsrindex"
	"github.com/verbeth/verbeth-core/identity"
)

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

func deriveIdentity(t *testing.T, w *testWallet) (*identity.KeyPair, *identity.Proof) {
	t.Helper()
	seedMsg := identity.SeedMessage(w.addr)
	seedSig, err := w.SignMessage(seedMsg)
	require.NoError(t, err)
	ikm := identity.AssembleIKM(seedSig, seedMsg, w.addr)
	keys, err := identity.DeriveFromIKM(ikm)
	require.NoError(t, err)
	proof, err := identity.BuildProof(w, w.addr, keys.Ed25519PubBytes(), keys.X25519PubBytes(), nil)
	require.NoError(t, err)
	return keys, proof
}

// TestMatchFindsPendingContactAmongDecoys builds a real handshake
// response and confirms the index picks the right initiator out of
// several pending candidates by box-open-until-match.
func TestMatchFindsPendingContactAmongDecoys(t *testing.T) {
	a := require.New(t)
	now := time.Now()

	alice := newTestWallet(t)
	bob := newTestWallet(t)
	aliceKeys, aliceProof := deriveIdentity(t, alice)
	bobKeys, bobProof := deriveIdentity(t, bob)

	pending1, outgoing, err := handshake.BuildInitiation(aliceKeys, aliceProof, bob.Address(), "hi")
	a.NoError(err)

	x25519Pub, kemPub, err := handshake.ParseEphemeralBlob(outgoing.EphemeralBlob)
	a.NoError(err)
	in := &handshake.IncomingHandshake{
		InitiatorAddress: alice.Address(),
		InitiatorX25519:  x25519Pub,
		InitiatorKEMPub:  kemPub,
	}

	result, err := handshake.BuildResponse(bobKeys, bobProof, in, pending1.TopicOutbound, pending1.TopicInbound, now)
	a.NoError(err)

	idx := hsrindex.New()
	idx.Track(hsrindex.PendingContact{
		Address:         pending1.ContactAddress,
		EphemeralSecret: pending1.EphemeralSecret,
		KEM:             pending1.KEM,
	})
	// decoys: contacts that never initiated this handshake.
	for i := 0; i < 3; i++ {
		decoyWallet := newTestWallet(t)
		decoyKeys, decoyProof := deriveIdentity(t, decoyWallet)
		decoyPending, _, err := handshake.BuildInitiation(decoyKeys, decoyProof, bob.Address(), "decoy")
		a.NoError(err)
		idx.Track(hsrindex.PendingContact{
			Address:         decoyPending.ContactAddress,
			EphemeralSecret: decoyPending.EphemeralSecret,
			KEM:             decoyPending.KEM,
		})
	}

	addr, found := idx.Match(result.Event.InResponseTo[:], result.Event.TagPublicKey, result.Event.EncryptedBody)
	a.True(found)
	a.Equal(pending1.ContactAddress, addr)
}

func TestMatchMissesWhenNoContactTracked(t *testing.T) {
	a := require.New(t)
	now := time.Now()

	alice := newTestWallet(t)
	bob := newTestWallet(t)
	aliceKeys, aliceProof := deriveIdentity(t, alice)
	bobKeys, bobProof := deriveIdentity(t, bob)

	pending1, outgoing, err := handshake.BuildInitiation(aliceKeys, aliceProof, bob.Address(), "hi")
	a.NoError(err)
	x25519Pub, kemPub, err := handshake.ParseEphemeralBlob(outgoing.EphemeralBlob)
	a.NoError(err)
	in := &handshake.IncomingHandshake{
		InitiatorAddress: alice.Address(),
		InitiatorX25519:  x25519Pub,
		InitiatorKEMPub:  kemPub,
	}
	result, err := handshake.BuildResponse(bobKeys, bobProof, in, pending1.TopicOutbound, pending1.TopicInbound, now)
	a.NoError(err)

	idx := hsrindex.New()
	_, found := idx.Match(result.Event.InResponseTo[:], result.Event.TagPublicKey, result.Event.EncryptedBody)
	a.False(found)
}

func TestUntrackRemovesContactAndCache(t *testing.T) {
	a := require.New(t)
	now := time.Now()

	alice := newTestWallet(t)
	bob := newTestWallet(t)
	aliceKeys, aliceProof := deriveIdentity(t, alice)
	bobKeys, bobProof := deriveIdentity(t, bob)

	pending1, outgoing, err := handshake.BuildInitiation(aliceKeys, aliceProof, bob.Address(), "hi")
	a.NoError(err)
	x25519Pub, kemPub, err := handshake.ParseEphemeralBlob(outgoing.EphemeralBlob)
	a.NoError(err)
	in := &handshake.IncomingHandshake{
		InitiatorAddress: alice.Address(),
		InitiatorX25519:  x25519Pub,
		InitiatorKEMPub:  kemPub,
	}
	result, err := handshake.BuildResponse(bobKeys, bobProof, in, pending1.TopicOutbound, pending1.TopicInbound, now)
	a.NoError(err)

	idx := hsrindex.New()
	contact := hsrindex.PendingContact{
		Address:         pending1.ContactAddress,
		EphemeralSecret: pending1.EphemeralSecret,
		KEM:             pending1.KEM,
	}
	idx.Track(contact)

	addr, found := idx.Match(result.Event.InResponseTo[:], result.Event.TagPublicKey, result.Event.EncryptedBody)
	a.True(found)
	a.Equal(pending1.ContactAddress, addr)

	idx.Untrack(pending1.ContactAddress)
	_, found = idx.Match(result.Event.InResponseTo[:], result.Event.TagPublicKey, result.Event.EncryptedBody)
	a.False(found, "untracking must drop both the pending contact and its cached tag")

	// Untracking an address that was never tracked is a no-op.
	idx.Untrack("never-tracked-address")
}

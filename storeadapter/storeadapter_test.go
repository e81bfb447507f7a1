package storeadapter_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/keyschedule"
	"github.com/verbeth/verbeth-core/pending"
	"github.com/verbeth/verbeth-core/ratchet"
	"github.com/verbeth/verbeth-core/storeadapter"
)

func openTestStore(t *testing.T) *storeadapter.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := storeadapter.Open([]byte("test-passphrase"), filepath.Join(dir, "verbeth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func pairedSessions(t *testing.T) (*ratchet.Session, *ratchet.Session) {
	t.Helper()
	r := require.New(t)

	aliceDH, err := ecdh.X25519().GenerateKey(rand.Reader)
	r.NoError(err)
	bobDH, err := ecdh.X25519().GenerateKey(rand.Reader)
	r.NoError(err)

	shared, err := aliceDH.ECDH(bobDH.PublicKey())
	r.NoError(err)
	rootKey, err := keyschedule.InitialRootKeyClassical(shared)
	r.NoError(err)

	aliceSignPub, aliceSignPriv, err := ed25519.GenerateKey(rand.Reader)
	r.NoError(err)
	bobSignPub, bobSignPriv, err := ed25519.GenerateKey(rand.Reader)
	r.NoError(err)

	var topicA, topicB [32]byte
	copy(topicA[:], []byte("topic-outbound-from-alice------"))
	copy(topicB[:], []byte("topic-outbound-from-bob--------"))
	convID := ratchet.ConversationID(topicA, topicB)

	alice, err := ratchet.NewInitiatorSession(ratchet.Params{
		ConversationID:    convID,
		MyAddress:         "alice",
		ContactAddress:    "bob",
		TopicOutbound:     topicA,
		TopicInbound:      topicB,
		InitialRootKey:    rootKey,
		DHMySecret:        aliceDH,
		DHTheirPublic:     bobDH.PublicKey(),
		SigningPriv:       aliceSignPriv,
		ContactSigningPub: bobSignPub,
	}, time.Now())
	r.NoError(err)

	bob, err := ratchet.NewResponderSession(ratchet.Params{
		ConversationID:    convID,
		MyAddress:         "bob",
		ContactAddress:    "alice",
		TopicOutbound:     topicB,
		TopicInbound:      topicA,
		InitialRootKey:    rootKey,
		DHMySecret:        bobDH,
		DHTheirPublic:     aliceDH.PublicKey(),
		SigningPriv:       bobSignPriv,
		ContactSigningPub: aliceSignPub,
	}, time.Now())
	r.NoError(err)

	return alice, bob
}

func TestSessionRoundTrip(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	alice, _ := pairedSessions(t)

	a.NoError(store.SaveSession(alice))
	got, err := store.LoadSession(alice.ConversationID)
	a.NoError(err)

	a.Equal(alice.ConversationID, got.ConversationID)
	a.Equal(alice.RootKey, got.RootKey)
	a.Equal(alice.Topics.CurrentOutbound, got.Topics.CurrentOutbound)
	a.Equal(alice.DHMySecret.Bytes(), got.DHMySecret.Bytes())
	a.Equal(alice.SigningPriv, got.SigningPriv)
}

func TestSessionOverwriteOnResave(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	alice, _ := pairedSessions(t)
	a.NoError(store.SaveSession(alice))

	alice.UpdatedAt = alice.UpdatedAt.Add(time.Hour)
	alice.SendingMsgNumber = 7
	a.NoError(store.SaveSession(alice))

	got, err := store.LoadSession(alice.ConversationID)
	a.NoError(err)
	a.Equal(uint32(7), got.SendingMsgNumber)
}

func TestSessionNotFound(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	var id [32]byte
	_, err := store.LoadSession(id)
	a.Error(err)
}

func TestDeleteSessionRemovesIt(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	alice, _ := pairedSessions(t)
	a.NoError(store.SaveSession(alice))

	a.NoError(store.DeleteSession(alice.ConversationID))
	_, err := store.LoadSession(alice.ConversationID)
	a.Error(err)
}

func TestOpenReopenReusesSameDataKey(t *testing.T) {
	a := require.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "verbeth.db")

	store1, err := storeadapter.Open([]byte("reopen-pass"), path)
	a.NoError(err)
	alice, _ := pairedSessions(t)
	a.NoError(store1.SaveSession(alice))
	a.NoError(store1.Close())

	store2, err := storeadapter.Open([]byte("reopen-pass"), path)
	a.NoError(err)
	defer store2.Close()

	got, err := store2.LoadSession(alice.ConversationID)
	a.NoError(err)
	a.Equal(alice.ConversationID, got.ConversationID)
}

func samplePendingMessage(convID [32]byte, txHash string, createdAt time.Time) *pending.Message {
	var header codec.RatchetHeader
	header.N = 1
	return &pending.Message{
		ConversationID:  convID,
		TxHash:          txHash,
		Status:          pending.StatusSubmitted,
		Header:          header,
		NonceCiphertext: []byte("nonce-and-ciphertext-placeholder"),
		CreatedAt:       createdAt,
	}
}

func TestPendingSaveAndDeleteByTxHash(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	var convID [32]byte
	copy(convID[:], []byte("conversation-id-placeholder----"))

	msg := samplePendingMessage(convID, "0xabc", time.Now())
	a.NoError(store.SavePending(msg))

	stale, err := store.ListStale(time.Now().Add(time.Hour))
	a.NoError(err)
	a.Len(stale, 1)
	a.Equal("0xabc", stale[0].TxHash)

	a.NoError(store.DeletePendingByTxHash("0xabc"))
	stale, err = store.ListStale(time.Now().Add(time.Hour))
	a.NoError(err)
	a.Empty(stale)
}

func TestPendingDeleteByConversation(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	var convA, convB [32]byte
	copy(convA[:], []byte("conversation-a------------------"))
	copy(convB[:], []byte("conversation-b------------------"))

	a.NoError(store.SavePending(samplePendingMessage(convA, "0x1", time.Now())))
	a.NoError(store.SavePending(samplePendingMessage(convB, "0x2", time.Now())))

	a.NoError(store.DeletePendingByConversation(convA))

	stale, err := store.ListStale(time.Now().Add(time.Hour))
	a.NoError(err)
	a.Len(stale, 1)
	a.Equal("0x2", stale[0].TxHash)
}

func TestPendingSaveOverwritesSameLifecycleRecord(t *testing.T) {
	a := require.New(t)
	store := openTestStore(t)
	var convID [32]byte
	copy(convID[:], []byte("conversation-id-placeholder----"))
	createdAt := time.Now()

	msg := samplePendingMessage(convID, "", createdAt)
	msg.Status = pending.StatusPreparing
	a.NoError(store.SavePending(msg))

	msg.TxHash = "0xfinal"
	msg.Status = pending.StatusSubmitted
	a.NoError(store.SavePending(msg))

	stale, err := store.ListStale(time.Now().Add(time.Hour))
	a.NoError(err)
	a.Len(stale, 1, "re-saving the same CreatedAt/ConversationID pair must overwrite, not duplicate")
	a.Equal(pending.StatusSubmitted, stale[0].Status)
}

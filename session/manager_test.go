package session_test

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/keyschedule"
	"github.com/verbeth/verbeth-core/ratchet"
	"github.com/verbeth/verbeth-core/session"
)

// memStore is a trivial in-memory session.Store fake, standing in for
// storeadapter in tests that only care about the Manager's caching and
// topic-routing logic.
type memStore struct {
	byConv map[[32]byte]*ratchet.Session
}

func newMemStore() *memStore {
	return &memStore{byConv: make(map[[32]byte]*ratchet.Session)}
}

func (s *memStore) LoadSession(conversationID [32]byte) (*ratchet.Session, error) {
	sess, ok := s.byConv[conversationID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) SaveSession(sess *ratchet.Session) error {
	s.byConv[sess.ConversationID] = sess
	return nil
}

func (s *memStore) DeleteSession(conversationID [32]byte) error {
	delete(s.byConv, conversationID)
	return nil
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

func TestGetByConversationCacheFillsFromStore(t *testing.T) {
	a := require.New(t)
	store := newMemStore()
	alice, _ := pairedSessions(t)
	a.NoError(store.SaveSession(alice))

	mgr := session.New(store)
	got, err := mgr.GetByConversation(alice.ConversationID)
	a.NoError(err)
	a.Equal(alice.ConversationID, got.ConversationID)
}

func TestGetByConversationMissReturnsNotFound(t *testing.T) {
	a := require.New(t)
	mgr := session.New(newMemStore())
	var id [32]byte
	_, err := mgr.GetByConversation(id)
	a.Error(err)
}

func TestGetByInboundTopicCurrentMatch(t *testing.T) {
	a := require.New(t)
	store := newMemStore()
	_, bob := pairedSessions(t)
	a.NoError(store.SaveSession(bob))

	mgr := session.New(store)
	mgr.Track(bob)

	got, kind, err := mgr.GetByInboundTopic(bob.Topics.CurrentInbound, time.Now())
	a.NoError(err)
	a.Equal(ratchet.MatchCurrent, kind)
	a.Equal(bob.ConversationID, got.ConversationID)
}

func TestGetByInboundTopicPromotesNextMatch(t *testing.T) {
	a := require.New(t)
	store := newMemStore()
	alice, bob := pairedSessions(t)
	now := time.Now()

	// Drive a DH step so bob has a Next slot to promote.
	h1, nc1, sig1, _, err := bob.Encrypt([]byte("bob speaks first"), now)
	a.NoError(err)
	_, err = alice.Decrypt(h1, nc1, sig1, now)
	a.NoError(err)
	h2, nc2, sig2, _, err := alice.Encrypt([]byte("ack"), now)
	a.NoError(err)
	_, err = bob.Decrypt(h2, nc2, sig2, now)
	a.NoError(err)

	a.NotNil(bob.Topics.NextInbound)
	nextTopic := *bob.Topics.NextInbound

	a.NoError(store.SaveSession(bob))
	mgr := session.New(store)
	mgr.Track(bob)

	got, kind, err := mgr.GetByInboundTopic(nextTopic, now)
	a.NoError(err)
	a.Equal(ratchet.MatchNext, kind)
	a.Equal(nextTopic, got.Topics.CurrentInbound, "promotion should move the matched next topic into current")
}

func TestGetByInboundTopicUnknownReturnsNotFound(t *testing.T) {
	a := require.New(t)
	mgr := session.New(newMemStore())
	var topic [32]byte
	copy(topic[:], []byte("never-seen-topic---------------"))
	_, kind, err := mgr.GetByInboundTopic(topic, time.Now())
	a.ErrorIs(err, session.ErrNotFound)
	a.Equal(ratchet.MatchNone, kind)
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	a := require.New(t)
	store := newMemStore()
	alice, _ := pairedSessions(t)
	a.NoError(store.SaveSession(alice))

	mgr := session.New(store)
	mgr.Track(alice)
	mgr.Invalidate(alice.ConversationID)

	got, err := mgr.GetByConversation(alice.ConversationID)
	a.NoError(err, "invalidate drops the cache entry, not the store's own copy")
	a.Equal(alice.ConversationID, got.ConversationID)
}

func TestRunBatchSavesTouchedSessions(t *testing.T) {
	a := require.New(t)
	store := newMemStore()
	alice, bob := pairedSessions(t)
	a.NoError(store.SaveSession(alice))
	a.NoError(store.SaveSession(bob))

	mgr := session.New(store)
	ids := [][32]byte{alice.ConversationID, bob.ConversationID}
	var touched int
	err := mgr.RunBatch(ids, func(s *ratchet.Session) error {
		touched++
		return nil
	})
	a.NoError(err)
	a.Equal(2, touched)
}

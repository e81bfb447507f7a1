package ratchet

import (
	"crypto/ecdh"
	"fmt"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/keyschedule"
)

// Params carries everything a freshly-completed handshake hands the
// ratchet package to bootstrap a Session (§4.5 "Initiator init" /
// "Responder init"). InitialRootKey is the output of
// keyschedule.InitialRootKeyHybrid (or ...Classical for the legacy
// no-KEM path); the handshake package owns that choice.
type Params struct {
	ConversationID [32]byte
	MyAddress      string
	ContactAddress string
	TopicOutbound  [32]byte
	TopicInbound   [32]byte
	InitialRootKey []byte

	DHMySecret    *ecdh.PrivateKey
	DHTheirPublic *ecdh.PublicKey

	SigningPriv       ed25519.PrivateKey
	ContactSigningPub ed25519.PublicKey
}

// NewInitiatorSession bootstraps the side that sends the first ratchet
// message. It immediately derives a sending chain by stepping the root
// with ECDH(dhMySecret, dhTheirPublic); the receiving chain stays unset
// until the first reply carries the responder's own DH public key. The
// starting topic pair is derived from the same ECDH output, unswapped
// (§4.5 "Initiator init" step 6).
func NewInitiatorSession(p Params, now time.Time) (*Session, error) {
	dhOut, err := p.DHMySecret.ECDH(p.DHTheirPublic)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initiator ecdh: %w", err)
	}

	s, err := newBaseSession(p, dhOut, false, now)
	if err != nil {
		return nil, err
	}

	newRoot, sendingChain, err := keyschedule.RootStep(p.InitialRootKey, dhOut)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initiator root step: %w", err)
	}
	copy(s.RootKey[:], newRoot)
	var ck [32]byte
	copy(ck[:], sendingChain)
	s.SendingChainKey = &ck

	return s, nil
}

// NewResponderSession bootstraps the side that received the first
// handshake. It derives a receiving chain symmetric to the initiator's
// sending chain; its own sending chain is established lazily on first
// send (see ensureSendingChain), matching the classic Double Ratchet
// asymmetry where only the party who speaks first ratchets eagerly.
func NewResponderSession(p Params, now time.Time) (*Session, error) {
	dhOut, err := p.DHMySecret.ECDH(p.DHTheirPublic)
	if err != nil {
		return nil, fmt.Errorf("ratchet: responder ecdh: %w", err)
	}

	s, err := newBaseSession(p, dhOut, true, now)
	if err != nil {
		return nil, err
	}

	newRoot, receivingChain, err := keyschedule.RootStep(p.InitialRootKey, dhOut)
	if err != nil {
		return nil, fmt.Errorf("ratchet: responder root step: %w", err)
	}
	copy(s.RootKey[:], newRoot)
	var ck [32]byte
	copy(ck[:], receivingChain)
	s.ReceivingChainKey = &ck

	return s, nil
}

// newBaseSession constructs the shared session skeleton and derives the
// starting topic pair from dhOut, swapped for the responder so both
// sides land on the same physical topic pair (§4.5 "Responder init"
// step 4).
func newBaseSession(p Params, dhOut []byte, swapped bool, now time.Time) (*Session, error) {
	outbound, inbound, err := initTopics(dhOut, p.ConversationID, swapped)
	if err != nil {
		return nil, fmt.Errorf("ratchet: init topics: %w", err)
	}
	return &Session{
		ConversationID: p.ConversationID,
		MyAddress:      p.MyAddress,
		ContactAddress: p.ContactAddress,
		TopicOutbound:  p.TopicOutbound,
		TopicInbound:   p.TopicInbound,
		DHMySecret:     p.DHMySecret,
		DHMyPublic:     p.DHMySecret.PublicKey(),
		DHTheirPublic:  p.DHTheirPublic,
		Topics: TopicState{
			CurrentOutbound: outbound,
			CurrentInbound:  inbound,
		},
		CreatedAt:         now,
		UpdatedAt:         now,
		SigningPriv:       p.SigningPriv,
		ContactSigningPub: p.ContactSigningPub,
	}, nil
}

// Package hsrindex implements the HSR Tag Index (§4.9): O(1)-amortized
// matching of inbound HandshakeResponse events against outstanding
// handshake initiations, by attempting box-open against each pending
// contact until one succeeds and caching the result.
package hsrindex

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/internal/chainbox"
	"github.com/verbeth/verbeth-core/internal/hybridkem"
	"github.com/verbeth/verbeth-core/keyschedule"
)

// ErrNoKEMShared is returned when a candidate's envelope opened but
// carried no KEM ciphertext and the legacy classical tag form is
// disabled — the hybrid tag cannot be computed without it.
var ErrNoKEMShared = errors.New("hsrindex: no kem shared secret and legacy tag disabled")

// PendingContact is the per-contact state the index attempts to match
// an incoming tag against: the initiator's handshake ephemeral secret
// and (if the hybrid path was used) its KEM secret key.
type PendingContact struct {
	Address         string
	EphemeralSecret *ecdh.PrivateKey
	KEM             *hybridkem.KeyPair
}

// Index supports the match query described in §4.9. legacyClassicalTag
// additionally tries the KEM-free tag form for backward compatibility
// with handshakes initiated before the hybrid upgrade.
type Index struct {
	mu                 sync.Mutex
	pending            map[string]PendingContact // address -> contact
	tagCache           map[string]string         // tag hex -> address
	legacyClassicalTag bool
}

// Option configures an Index.
type Option func(*Index)

// WithLegacyClassicalTag enables matching against the KEM-free HSR tag
// form for contacts initiated before ML-KEM support existed. Off by
// default; new deployments should never need it.
func WithLegacyClassicalTag(enabled bool) Option {
	return func(i *Index) { i.legacyClassicalTag = enabled }
}

func New(opts ...Option) *Index {
	idx := &Index{
		pending:  make(map[string]PendingContact),
		tagCache: make(map[string]string),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Track registers a pending contact, making it a candidate for future
// Match calls.
func (i *Index) Track(c PendingContact) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pending[c.Address] = c
}

// Untrack removes a contact once it leaves the pending state (matched,
// or the initiation was abandoned).
func (i *Index) Untrack(address string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.pending, address)
	for tag, addr := range i.tagCache {
		if addr == address {
			delete(i.tagCache, tag)
		}
	}
}

// Match runs the §4.9 algorithm: cache lookup first, then an
// open-attempt scan over pending contacts. Opening the envelope (with
// each candidate's handshake ephemeral secret against the sender key
// carried inside the envelope itself) is what tells us whether a
// candidate could possibly be the recipient; the tag comparison, keyed
// off the separate tag keypair's shared secret, is the actual proof.
func (i *Index) Match(inResponseToTag []byte, responderTagPub [32]byte, envelopeJSON []byte) (address string, found bool) {
	tagHex := hex.EncodeToString(inResponseToTag)

	i.mu.Lock()
	if addr, ok := i.tagCache[tagHex]; ok {
		i.mu.Unlock()
		return addr, true
	}
	contacts := make([]PendingContact, 0, len(i.pending))
	for _, c := range i.pending {
		contacts = append(contacts, c)
	}
	i.mu.Unlock()

	envelope, err := codec.DecodeEnvelope(envelopeJSON)
	if err != nil {
		return "", false
	}
	epkBytes, err := base64.StdEncoding.DecodeString(envelope.EPK)
	if err != nil || len(epkBytes) != 32 {
		return "", false
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(envelope.N)
	if err != nil || len(nonceBytes) != 24 {
		return "", false
	}
	ctBytes, err := base64.StdEncoding.DecodeString(envelope.CT)
	if err != nil {
		return "", false
	}
	var senderPub [32]byte
	copy(senderPub[:], epkBytes)
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	for _, c := range contacts {
		var mySecret [32]byte
		copy(mySecret[:], c.EphemeralSecret.Bytes())

		plaintext, err := chainbox.OpenBox(&mySecret, &senderPub, nonce, ctBytes)
		if err != nil {
			continue // wrong candidate: this envelope wasn't addressed to them
		}
		content, err := codec.DecodeHandshakeResponseContent(plaintext)
		if err != nil {
			continue
		}

		var kemShared []byte
		if content.KEMCiphertext != "" && c.KEM != nil {
			ct, err := base64.StdEncoding.DecodeString(content.KEMCiphertext)
			if err != nil {
				continue
			}
			kemShared, err = c.KEM.Decapsulate(ct)
			if err != nil {
				continue
			}
		}

		expectedTag, err := i.expectedTag(c, responderTagPub, kemShared)
		if err != nil {
			continue
		}
		expectedHex := hex.EncodeToString(expectedTag)

		i.mu.Lock()
		i.tagCache[expectedHex] = c.Address
		i.mu.Unlock()

		if expectedHex == tagHex {
			return c.Address, true
		}
	}
	return "", false
}

func (i *Index) expectedTag(c PendingContact, responderTagPub [32]byte, kemShared []byte) ([]byte, error) {
	responderPub, err := ecdh.X25519().NewPublicKey(responderTagPub[:])
	if err != nil {
		return nil, err
	}
	ecdhShared, err := c.EphemeralSecret.ECDH(responderPub)
	if err != nil {
		return nil, err
	}

	if len(kemShared) > 0 {
		return keyschedule.HSRHybridTag(ecdhShared, kemShared)
	}
	if i.legacyClassicalTag {
		return keyschedule.HSRClassicalTag(ecdhShared)
	}
	return nil, ErrNoKEMShared
}

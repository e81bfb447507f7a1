package ratchet

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/internal/chainbox"
	"github.com/verbeth/verbeth-core/keyschedule"
	"github.com/verbeth/verbeth-core/verify"
)

// Encrypt advances the sending chain by one step and seals plaintext
// into a ratchet message (§4.5 "Encrypt"). If this session has never
// sent before (the responder's lazy first send), a sending chain is
// established first.
func (s *Session) Encrypt(plaintext []byte, now time.Time) (codec.RatchetHeader, []byte, [64]byte, [32]byte, error) {
	var sig [64]byte
	var topic [32]byte

	if s.SendingChainKey == nil {
		if s.DHTheirPublic == nil {
			return codec.RatchetHeader{}, nil, sig, topic, ErrSessionNotReady
		}
		if err := s.ensureSendingChain(now); err != nil {
			return codec.RatchetHeader{}, nil, sig, topic, err
		}
	}

	newChainKey, messageKey, err := keyschedule.ChainStep(s.SendingChainKey[:])
	if err != nil {
		return codec.RatchetHeader{}, nil, sig, topic, fmt.Errorf("ratchet: chain step: %w", err)
	}
	var mk [32]byte
	copy(mk[:], messageKey)
	zeroBytes(messageKey)

	header := codec.RatchetHeader{
		DH: dhPublicBytes(s.DHMyPublic),
		PN: s.PreviousChainLength,
		N:  s.SendingMsgNumber,
	}

	nonceCiphertext, err := chainbox.SealChain(mk, plaintext)
	zeroArray(&mk)
	if err != nil {
		return codec.RatchetHeader{}, nil, sig, topic, fmt.Errorf("ratchet: seal: %w", err)
	}

	signedBytes := codec.SignedBytes(header, nonceCiphertext)
	copy(sig[:], ed25519.Sign(s.SigningPriv, signedBytes))

	var newCK [32]byte
	copy(newCK[:], newChainKey)
	zeroBytes(newChainKey)
	s.SendingChainKey = &newCK
	s.SendingMsgNumber++
	s.UpdatedAt = now

	topic = s.Topics.CurrentOutbound
	return header, nonceCiphertext, sig, topic, nil
}

// Decrypt verifies and opens an inbound ratchet message (§4.5
// "Decrypt"), performing auth-before-ratchet signature verification,
// skipped-key lookups, and DH ratchet steps as needed, in that order.
func (s *Session) Decrypt(header codec.RatchetHeader, nonceCiphertext []byte, signature [64]byte, now time.Time) ([]byte, error) {
	signedBytes := codec.SignedBytes(header, nonceCiphertext)
	if !verify.MessageSignature(s.ContactSigningPub, signedBytes, signature[:]) {
		return nil, ErrInvalidSignature
	}

	if header.PN > MaxSkipPerMessage || header.N > MaxSkipPerMessage {
		return nil, ErrExcessiveSkip
	}

	if mk, ok := s.takeSkippedKey(header.DH, header.N); ok {
		pt, err := chainbox.OpenChain(mk, nonceCiphertext)
		zeroArray(&mk)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		return pt, nil
	}

	theirDHChanged := s.DHTheirPublic == nil || !bytes.Equal(dhPublicBytes(s.DHTheirPublic)[:], header.DH[:])

	if theirDHChanged {
		if header.PN > s.ReceivingMsgNumber {
			if header.PN-s.ReceivingMsgNumber > MaxSkipPerMessage {
				return nil, ErrExcessiveSkip
			}
			if s.ReceivingChainKey != nil {
				if err := s.skipMessages(header.PN, now); err != nil {
					return nil, err
				}
			}
		}
		newTheirPub, err := ecdh.X25519().NewPublicKey(header.DH[:])
		if err != nil {
			return nil, fmt.Errorf("ratchet: invalid DH public key: %w", err)
		}
		if err := s.dhRatchetStep(newTheirPub, now); err != nil {
			return nil, fmt.Errorf("ratchet: dh step: %w", err)
		}
	}

	if header.N > s.ReceivingMsgNumber {
		if header.N-s.ReceivingMsgNumber > MaxSkipPerMessage {
			return nil, ErrExcessiveSkip
		}
		if err := s.skipMessages(header.N, now); err != nil {
			return nil, err
		}
	}

	if s.ReceivingChainKey == nil {
		return nil, ErrSessionNotReady
	}
	newChainKey, messageKey, err := keyschedule.ChainStep(s.ReceivingChainKey[:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: chain step: %w", err)
	}
	var mk [32]byte
	copy(mk[:], messageKey)
	zeroBytes(messageKey)

	pt, err := chainbox.OpenChain(mk, nonceCiphertext)
	zeroArray(&mk)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var newCK [32]byte
	copy(newCK[:], newChainKey)
	zeroBytes(newChainKey)
	s.ReceivingChainKey = &newCK
	s.ReceivingMsgNumber = header.N + 1
	s.UpdatedAt = now

	return pt, nil
}

// ensureSendingChain lazily establishes this session's first sending
// chain by generating a fresh local DH keypair and stepping the root
// against the existing remote public key. Only the responder side
// needs this: the initiator already has a sending chain from
// NewInitiatorSession.
func (s *Session) ensureSendingChain(now time.Time) error {
	newPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("ratchet: generating dh keypair: %w", err)
	}
	dhOut, err := newPriv.ECDH(s.DHTheirPublic)
	if err != nil {
		return fmt.Errorf("ratchet: ecdh: %w", err)
	}
	newRoot, newChain, err := keyschedule.RootStep(s.RootKey[:], dhOut)
	if err != nil {
		return fmt.Errorf("ratchet: root step: %w", err)
	}
	copy(s.RootKey[:], newRoot)

	var ck [32]byte
	copy(ck[:], newChain)
	s.SendingChainKey = &ck
	s.SendingMsgNumber = 0
	s.PreviousChainLength = 0
	s.DHMySecret = newPriv
	s.DHMyPublic = newPriv.PublicKey()

	newOutbound, err := deriveTopic32(dhOut, keyschedule.Outbound, s.ConversationID[:])
	if err != nil {
		return err
	}
	s.Topics.CurrentOutbound = newOutbound
	s.Epoch++
	s.UpdatedAt = now
	return nil
}

// dhRatchetStep performs a full Double Ratchet DH step on receipt of a
// new remote public key (§4.5/§4.6): finish the old receiving chain
// (handled by the caller via skipMessages), derive a fresh receiving
// chain from the peer's new key, then generate a new local keypair and
// derive a fresh sending chain against the same peer key. Both halves
// feed the three-slot topic rotation.
func (s *Session) dhRatchetStep(theirNewPublic *ecdh.PublicKey, now time.Time) error {
	dhReceive, err := s.DHMySecret.ECDH(theirNewPublic)
	if err != nil {
		return fmt.Errorf("receive ecdh: %w", err)
	}
	newRoot, newReceivingChain, err := keyschedule.RootStep(s.RootKey[:], dhReceive)
	if err != nil {
		return fmt.Errorf("receive root step: %w", err)
	}
	copy(s.RootKey[:], newRoot)
	var rck [32]byte
	copy(rck[:], newReceivingChain)
	s.ReceivingChainKey = &rck
	s.ReceivingMsgNumber = 0
	s.PreviousChainLength = s.SendingMsgNumber
	s.DHTheirPublic = theirNewPublic

	newPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating dh keypair: %w", err)
	}
	dhSend, err := newPriv.ECDH(theirNewPublic)
	if err != nil {
		return fmt.Errorf("send ecdh: %w", err)
	}
	newRoot2, newSendingChain, err := keyschedule.RootStep(s.RootKey[:], dhSend)
	if err != nil {
		return fmt.Errorf("send root step: %w", err)
	}
	copy(s.RootKey[:], newRoot2)
	var sck [32]byte
	copy(sck[:], newSendingChain)
	s.SendingChainKey = &sck
	s.SendingMsgNumber = 0
	s.DHMySecret = newPriv
	s.DHMyPublic = newPriv.PublicKey()

	if err := s.stepTopics(dhReceive, dhSend, now); err != nil {
		return err
	}
	s.Epoch++
	s.UpdatedAt = now
	return nil
}

// skipMessages advances the current receiving chain from its present
// message number up to (but not including) until, stashing each
// derived message key as a SkippedKey so an out-of-order message can
// still be decrypted later. Oldest entries are pruned once
// MaxSkippedKeys is exceeded.
func (s *Session) skipMessages(until uint32, now time.Time) error {
	if s.ReceivingChainKey == nil {
		return nil
	}
	dhHex := hex.EncodeToString(dhPublicBytes(s.DHTheirPublic)[:])
	for s.ReceivingMsgNumber < until {
		newChainKey, messageKey, err := keyschedule.ChainStep(s.ReceivingChainKey[:])
		if err != nil {
			return fmt.Errorf("ratchet: skip chain step: %w", err)
		}
		var mk [32]byte
		copy(mk[:], messageKey)
		zeroBytes(messageKey)

		s.SkippedKeys = append(s.SkippedKeys, SkippedKey{
			DHPubHex:   dhHex,
			MsgNumber:  s.ReceivingMsgNumber,
			MessageKey: mk,
			CreatedAt:  now,
		})

		var ck [32]byte
		copy(ck[:], newChainKey)
		zeroBytes(newChainKey)
		s.ReceivingChainKey = &ck
		s.ReceivingMsgNumber++
	}
	s.pruneSkippedKeys(now)
	return nil
}

func (s *Session) pruneSkippedKeys(now time.Time) {
	fresh := s.SkippedKeys[:0]
	for _, k := range s.SkippedKeys {
		if now.Sub(k.CreatedAt) > SkippedKeyTTL {
			continue
		}
		fresh = append(fresh, k)
	}
	s.SkippedKeys = fresh

	if len(s.SkippedKeys) <= MaxSkippedKeys {
		return
	}
	sort.Slice(s.SkippedKeys, func(i, j int) bool {
		return s.SkippedKeys[i].CreatedAt.Before(s.SkippedKeys[j].CreatedAt)
	})
	excess := len(s.SkippedKeys) - MaxSkippedKeys
	s.SkippedKeys = s.SkippedKeys[excess:]
}

func (s *Session) takeSkippedKey(dh [32]byte, n uint32) ([32]byte, bool) {
	dhHex := hex.EncodeToString(dh[:])
	for i, k := range s.SkippedKeys {
		if k.DHPubHex == dhHex && k.MsgNumber == n {
			mk := k.MessageKey
			s.SkippedKeys = append(s.SkippedKeys[:i], s.SkippedKeys[i+1:]...)
			return mk, true
		}
	}
	return [32]byte{}, false
}

func dhPublicBytes(pub *ecdh.PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], pub.Bytes())
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroArray(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}

// Package ratchet implements the Double Ratchet session (§4.5) and its
// DH-synchronized topic rotation (§4.6): encrypt, decrypt, DH stepping,
// skip-key storage, and auth-before-ratchet verification. It mirrors the
// shape of the teacher's compact pkg/ratchet package, generalized with
// skipped-message handling, topic slots, and persistent state the
// teacher's version intentionally omitted.
package ratchet

import (
	"bytes"
	"crypto/ecdh"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"
)

const (
	// MaxSkippedKeys bounds the skipped-key set; oldest entries are
	// pruned first once exceeded.
	MaxSkippedKeys = 1000

	// SkippedKeyTTL is the maximum age a skipped key is retained; expired
	// keys are dropped the next time skipMessages runs. Saving a session
	// does not prune.
	SkippedKeyTTL = 24 * time.Hour

	// MaxSkipPerMessage bounds the number of chain steps a single
	// decrypt call will perform to catch up to an out-of-order message.
	MaxSkipPerMessage = 100_000

	// PreviousTopicGrace is how long a rotated-away inbound topic stays
	// valid for late in-flight messages.
	PreviousTopicGrace = 5 * time.Minute
)

var (
	ErrSessionNotReady   = errors.New("ratchet: sending chain not initialized")
	ErrExcessiveSkip     = errors.New("ratchet: skip distance exceeds bound")
	ErrInvalidSignature  = errors.New("ratchet: signature verification failed")
	ErrDecryptionFailed  = errors.New("ratchet: decryption failed")
)

// SkippedKey is a derived-but-unconsumed message key, kept to tolerate
// out-of-order delivery.
type SkippedKey struct {
	DHPubHex  string
	MsgNumber uint32
	MessageKey [32]byte
	CreatedAt time.Time
}

// TopicState holds the three-slot inbound/outbound topic window described
// in §4.6.
type TopicState struct {
	CurrentOutbound  [32]byte
	CurrentInbound   [32]byte
	NextOutbound     *[32]byte
	NextInbound      *[32]byte
	PreviousInbound  *[32]byte
	PreviousExpiry   time.Time
	Epoch            uint32
}

// Session is the full state of a Double Ratchet conversation (§3
// "RatchetSession").
type Session struct {
	ConversationID [32]byte

	MyAddress      string
	ContactAddress string
	TopicOutbound  [32]byte // handshake-era reference pair, immutable
	TopicInbound   [32]byte

	RootKey [32]byte

	DHMySecret    *ecdh.PrivateKey
	DHMyPublic    *ecdh.PublicKey
	DHTheirPublic *ecdh.PublicKey

	SendingChainKey   *[32]byte
	SendingMsgNumber  uint32
	ReceivingChainKey *[32]byte
	ReceivingMsgNumber uint32

	PreviousChainLength uint32
	SkippedKeys         []SkippedKey

	Topics TopicState

	CreatedAt time.Time
	UpdatedAt time.Time
	Epoch     uint32

	// SigningPriv (this side's key, used to sign) and ContactSigningPub
	// (the peer's key, used to verify) are the Ed25519 identity keys for
	// ratchet messages (auth-before-ratchet). These are the
	// long-term identity keys from the identity package, not ratchet
	// state, but carried here for convenience of Encrypt/Decrypt.
	SigningPriv ed25519.PrivateKey
	ContactSigningPub ed25519.PublicKey
}

// ConversationID computes keccak256(sorted_concat(topicOutbound,
// topicInbound)), the stable identifier used as §3's primary key. Both
// peers, regardless of which topic they call "outbound", arrive at the
// same value because the two topics are sorted before concatenation.
func ConversationID(topicOutbound, topicInbound [32]byte) [32]byte {
	a, b := topicOutbound[:], topicInbound[:]
	var concat []byte
	if bytes.Compare(a, b) <= 0 {
		concat = append(append([]byte{}, a...), b...)
	} else {
		concat = append(append([]byte{}, b...), a...)
	}
	var out [32]byte
	copy(out[:], crypto.Keccak256(concat))
	return out
}

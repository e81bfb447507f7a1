// Package keyschedule implements the HKDF-SHA256 chains that derive root,
// chain, topic, and tag keys throughout the ratchet and handshake. Every
// derivation here is an interoperability surface: info labels, salts, and
// output lengths must match byte-exact across clients, or decryption on
// the peer's side silently fails.
package keyschedule

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	infoRoot     = "verbeth:root:v1"
	infoChain    = "verbeth:chain:v1"
	infoHybrid   = "VerbethHybrid"
	infoEphemeral = "VerbethEphemeral"
	infoHSRHybrid = "verbeth:hsr-hybrid:v1"
	infoHSR       = "verbeth:hsr"

	infoTopicOutbound = "verbeth:topic:outbound:v1"
	infoTopicInbound  = "verbeth:topic:inbound:v1"
)

// Direction selects which topic-derivation label to use.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) info() string {
	if d == Outbound {
		return infoTopicOutbound
	}
	return infoTopicInbound
}

// RootStep performs the Double Ratchet root-chain step: HKDF(ikm=dhOutput,
// salt=rootKey, info="verbeth:root:v1", L=64) split into a new root key and
// a new chain key.
func RootStep(rootKey, dhOutput []byte) (newRootKey, newChainKey []byte, err error) {
	out, err := expand(dhOutput, rootKey, []byte(infoRoot), 2*KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("root step: %w", err)
	}
	return out[:KeySize], out[KeySize:], nil
}

// ChainStep advances a chain key and derives the next message key.
// HKDF(ikm=chainKey, salt=nil, info="verbeth:chain:v1", L=64).
func ChainStep(chainKey []byte) (newChainKey, messageKey []byte, err error) {
	out, err := expand(chainKey, nil, []byte(infoChain), 2*KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("chain step: %w", err)
	}
	return out[:KeySize], out[KeySize:], nil
}

// InitialRootKeyHybrid derives the initial root key for a hybrid (classical
// + ML-KEM) handshake: ikm = x25519Shared || kemShared, HKDF(ikm,
// salt=zeros(32), info="VerbethHybrid", L=32).
func InitialRootKeyHybrid(x25519Shared, kemShared []byte) ([]byte, error) {
	ikm := make([]byte, 0, len(x25519Shared)+len(kemShared))
	ikm = append(ikm, x25519Shared...)
	ikm = append(ikm, kemShared...)
	salt := make([]byte, KeySize)
	return expand(ikm, salt, []byte(infoHybrid), KeySize)
}

// InitialRootKeyClassical derives the initial root key when no KEM shared
// secret is available: HKDF(x25519Shared, nil, "VerbethEphemeral", 32).
func InitialRootKeyClassical(x25519Shared []byte) ([]byte, error) {
	return expand(x25519Shared, nil, []byte(infoEphemeral), KeySize)
}

// HSRHybridTag computes the hybrid inResponseTo tag linking a
// HandshakeResponse to its initiating Handshake without exposing the
// classical ECDH secret on-chain: HKDF(ikm=kemShared, salt=ecdhShared,
// info="verbeth:hsr-hybrid:v1", L=32), then keccak256.
func HSRHybridTag(ecdhShared, kemShared []byte) ([]byte, error) {
	okm, err := expand(kemShared, ecdhShared, []byte(infoHSRHybrid), KeySize)
	if err != nil {
		return nil, fmt.Errorf("hsr hybrid tag: %w", err)
	}
	h := crypto.Keccak256(okm)
	return h, nil
}

// HSRClassicalTag computes the legacy, KEM-free tag. Retained only for
// backward compatibility with already-published handshakes; new
// implementations MUST use HSRHybridTag.
func HSRClassicalTag(ecdhShared []byte) ([]byte, error) {
	okm, err := expand(ecdhShared, nil, []byte(infoHSR), KeySize)
	if err != nil {
		return nil, fmt.Errorf("hsr classical tag: %w", err)
	}
	return crypto.Keccak256(okm), nil
}

// DeriveTopic derives a 32-byte on-chain topic from a DH shared secret, a
// direction label, and an arbitrary salt (typically the conversationId):
// HKDF(dhShared, salt, "verbeth:topic:<direction>:v1", 32), then
// keccak256-wrapped to match the on-chain bytes32 format.
func DeriveTopic(dhShared []byte, dir Direction, salt []byte) ([]byte, error) {
	out, err := expand(dhShared, salt, []byte(dir.info()), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive topic: %w", err)
	}
	return crypto.Keccak256(out), nil
}

func expand(ikm, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

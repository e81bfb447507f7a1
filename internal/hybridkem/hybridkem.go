// Package hybridkem wraps ML-KEM-768 the way pkg/attest wraps ML-DSA: a
// thin adapter over circl's generic kem.Scheme so the handshake package
// never touches circl's types directly.
package hybridkem

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

var scheme = mlkem768.Scheme()

const (
	PublicKeySize  = 1184
	CiphertextSize = 1088
	SharedKeySize  = 32
)

// KeyPair is a generated ML-KEM-768 keypair, kept in its marshaled byte
// form so callers can persist it alongside the handshake ephemeral
// secret without depending on circl's concrete types.
type KeyPair struct {
	PublicKey  []byte
	privateKey kem.PrivateKey
}

// Generate creates a fresh ML-KEM-768 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("hybridkem: generate: %w", err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("hybridkem: marshal public key: %w", err)
	}
	return &KeyPair{PublicKey: pubBytes, privateKey: priv}, nil
}

// Encapsulate generates a ciphertext and shared secret for pubKey (the
// responder's side of §4.4 step 5).
func Encapsulate(pubKeyBytes []byte) (ciphertext, sharedSecret []byte, err error) {
	pub, err := scheme.UnmarshalBinaryPublicKey(pubKeyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("hybridkem: unmarshal public key: %w", err)
	}
	ct, ss, err := scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("hybridkem: encapsulate: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext using this
// keypair's private key (the initiator's side, on receiving
// HandshakeResponse).
func (k *KeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := scheme.Decapsulate(k.privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("hybridkem: decapsulate: %w", err)
	}
	return ss, nil
}

// MarshalPrivate serializes the private key for persistence (§4.4 step
// 6: "Persist (a, kem_sk) keyed by the initiated contact").
func (k *KeyPair) MarshalPrivate() ([]byte, error) {
	b, err := k.privateKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("hybridkem: marshal private key: %w", err)
	}
	return b, nil
}

// FromPrivateBytes reconstructs a KeyPair from a persisted private key
// and its paired public key.
func FromPrivateBytes(pubKeyBytes, privKeyBytes []byte) (*KeyPair, error) {
	priv, err := scheme.UnmarshalBinaryPrivateKey(privKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("hybridkem: unmarshal private key: %w", err)
	}
	return &KeyPair{PublicKey: pubKeyBytes, privateKey: priv}, nil
}

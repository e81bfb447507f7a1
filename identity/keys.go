package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
	"crypto/sha256"
	"io"
)

const (
	infoIKM                = "verbeth/ikm"
	saltSeedSig             = "verbeth/seed-sig-v1"
	infoX25519              = "verbeth-x25519-v1"
	infoEd25519              = "verbeth-ed25519-v1"
	infoSessionSecp256k1     = "verbeth-session-secp256k1-v1"
)

// KeyPair is the deterministic long-term identity keypair derived from a
// wallet's seed signature: X25519 for encryption, Ed25519 for signing, and
// a session secp256k1 signer used only by the executor layer (out of the
// crypto core's contract, but derived here for completeness of the key
// schedule).
type KeyPair struct {
	X25519Priv *ecdh.PrivateKey
	X25519Pub  *ecdh.PublicKey

	Ed25519Priv ed25519.PrivateKey
	Ed25519Pub  ed25519.PublicKey

	SessionSecp256k1 *ecdsa.PrivateKey
}

// X25519PubBytes returns the raw 32-byte X25519 public key.
func (k *KeyPair) X25519PubBytes() []byte {
	return k.X25519Pub.Bytes()
}

// Ed25519PubBytes returns the raw 32-byte Ed25519 public key.
func (k *KeyPair) Ed25519PubBytes() []byte {
	return []byte(k.Ed25519Pub)
}

// DeriveFromIKM derives the three key-schedule outputs from an already
// -assembled IKM (see AssembleIKM) and constructs their respective
// keypairs. Intermediate HKDF outputs are zeroed after use.
func DeriveFromIKM(ikmInput []byte) (*KeyPair, error) {
	ikm, err := hkdfExpand(ikmInput, []byte(saltSeedSig), []byte(infoIKM), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving IKM: %w", err)
	}
	defer Zero(ikm)

	x25519Secret, err := hkdfExpand(ikm, nil, []byte(infoX25519), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving x25519 secret: %w", err)
	}
	defer Zero(x25519Secret)

	ed25519Seed, err := hkdfExpand(ikm, nil, []byte(infoEd25519), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving ed25519 seed: %w", err)
	}
	defer Zero(ed25519Seed)

	sessionSecret, err := hkdfExpand(ikm, nil, []byte(infoSessionSecp256k1), 32)
	if err != nil {
		return nil, fmt.Errorf("deriving session secp256k1 secret: %w", err)
	}
	defer Zero(sessionSecret)

	x25519Priv, err := ecdh.X25519().NewPrivateKey(x25519Secret)
	if err != nil {
		return nil, fmt.Errorf("constructing x25519 keypair: %w", err)
	}

	ed25519Priv := ed25519.NewKeyFromSeed(ed25519Seed)

	sessionPriv, err := crypto.ToECDSA(sessionSecret)
	if err != nil {
		return nil, fmt.Errorf("constructing session secp256k1 keypair: %w", err)
	}

	return &KeyPair{
		X25519Priv:       x25519Priv,
		X25519Pub:        x25519Priv.PublicKey(),
		Ed25519Priv:      ed25519Priv,
		Ed25519Pub:       ed25519Priv.Public().(ed25519.PublicKey),
		SessionSecp256k1: sessionPriv,
	}, nil
}

func hkdfExpand(ikm, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

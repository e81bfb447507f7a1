// Package chainbox wraps NaCl primitives the way internal/enigma wraps
// XChaCha20-Poly1305: a single small AEAD helper, keyed by a 32-byte secret
// that the caller derived via the key schedule. Two flavors are needed by
// the protocol: secretbox for ratchet messages (key already agreed via the
// chain), and box for the handshake-response envelope (key agreed via
// ECDH at call time).
package chainbox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

var ErrOpenFailed = errors.New("chainbox: open failed")

// SealChain encrypts plaintext under a 32-byte message key using
// XSalsa20-Poly1305 (secretbox) with a fresh random 24-byte nonce. The
// returned blob is nonce(24) || ciphertext, matching spec's ratchet
// message layout.
func SealChain(messageKey [32]byte, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("chainbox: generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], plaintext, &nonce, &messageKey)
	return out, nil
}

// OpenChain decrypts a nonce(24)||ciphertext blob produced by SealChain.
func OpenChain(messageKey [32]byte, nonceCiphertext []byte) ([]byte, error) {
	if len(nonceCiphertext) < 24 {
		return nil, ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], nonceCiphertext[:24])
	ct := nonceCiphertext[24:]

	out, ok := secretbox.Open(nil, ct, &nonce, &messageKey)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// SealBox encrypts plaintext for recipientPub using NaCl-box
// (X25519-ECDH + XSalsa20-Poly1305) under senderPriv, with a fresh random
// nonce. Returns the nonce and ciphertext separately, as the handshake
// envelope carries them as distinct base64 fields.
func SealBox(senderPriv, recipientPub *[32]byte, plaintext []byte) (nonce [24]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("chainbox: generating nonce: %w", err)
	}
	ciphertext = box.Seal(nil, plaintext, &nonce, recipientPub, senderPriv)
	return nonce, ciphertext, nil
}

// OpenBox decrypts a NaCl-box ciphertext sent by senderPub under
// recipientPriv.
func OpenBox(recipientPriv, senderPub *[32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	out, ok := box.Open(nil, ciphertext, &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

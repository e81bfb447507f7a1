// Package verify implements §4.10: identity-proof verification and
// ratchet message signature verification.
package verify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/identity"
)

var (
	ErrBadHeader      = errors.New("verify: binding message header mismatch")
	ErrKeyMismatch    = errors.New("verify: presented keys do not match proof")
	ErrAddressMismatch = errors.New("verify: executor address mismatch")
	ErrContextMismatch = errors.New("verify: chainId/rpId mismatch")
	ErrBadSignature   = errors.New("verify: signature does not recover to expected address")
)

// ExpectedKeys is what the verifier compares the proof's embedded key
// lines against — the keys actually presented on the wire alongside the
// proof.
type ExpectedKeys struct {
	X25519  []byte
	Ed25519 []byte
}

// Context carries the optional chainId/rpId the caller expects.
type Context struct {
	ChainID *uint64
	RpID    string
}

// ContractSignatureVerifier is the external EIP-1271 collaborator for
// smart-contract signers; only its interface is specified here, the
// on-chain call itself is out of scope.
type ContractSignatureVerifier interface {
	IsValidSignature(addr common.Address, digest [32]byte, signature []byte) (bool, error)
}

// IdentityProof verifies a binding proof per §4.10. expectedAddress is
// the single address the proof is checked against: it must match the
// message's ExecutorAddres line and must be the address the signature
// recovers to (or validates against, for an EIP-1271 smart-contract
// signer).
func IdentityProof(
	proof *identity.Proof,
	expectedAddress common.Address,
	expected ExpectedKeys,
	ctx *Context,
	contractVerifier ContractSignatureVerifier,
) error {
	parsed, err := identity.ParseBindingMessage(proof.Message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if parsed.Header != identity.BindingHeader {
		return ErrBadHeader
	}

	expectedEd := hex.EncodeToString(expected.Ed25519)
	expectedX := hex.EncodeToString(expected.X25519)
	if !strings.EqualFold(parsed.Ed25519PubHex, expectedEd) ||
		!strings.EqualFold(parsed.X25519PubHex, expectedX) {
		return ErrKeyMismatch
	}

	if !strings.EqualFold(parsed.ExecutorHex, strings.ToLower(expectedAddress.Hex())) {
		return ErrAddressMismatch
	}

	if ctx != nil {
		if ctx.ChainID != nil {
			want := strconv.FormatUint(*ctx.ChainID, 10)
			if parsed.ChainID != want {
				return ErrContextMismatch
			}
		}
		if ctx.RpID != "" && parsed.RpID != ctx.RpID {
			return ErrContextMismatch
		}
	}

	ok, err := verifySignature(expectedAddress, []byte(proof.Message), proof.Signature, contractVerifier)
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// verifySignature implements EIP-191 personal_sign recovery with an
// EIP-1271 fallback for smart-contract signers.
func verifySignature(
	addr common.Address, message, signature []byte, contractVerifier ContractSignatureVerifier,
) (bool, error) {
	digest := textHash(message)

	if len(signature) == 65 {
		recovered, err := recoverAddress(digest, signature)
		if err == nil && recovered == addr {
			return true, nil
		}
	}

	if contractVerifier != nil {
		return contractVerifier.IsValidSignature(addr, digest, signature)
	}
	return false, nil
}

func recoverAddress(digest [32]byte, sig []byte) (common.Address, error) {
	s := append([]byte(nil), sig...)
	if s[64] >= 27 {
		s[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// textHash reproduces the EIP-191 personal_sign digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(message) + message).
func textHash(data []byte) [32]byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256Hash([]byte(msg))
}

// MessageSignature verifies the auth-before-ratchet Ed25519 signature over
// a ratchet message's signed bytes. O(1) and never distinguishes the
// reason for failure from the caller's perspective.
func MessageSignature(contactSigningKey ed25519.PublicKey, signedBytes, signature []byte) bool {
	if len(contactSigningKey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(contactSigningKey, signedBytes, signature)
}

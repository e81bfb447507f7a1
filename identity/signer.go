package identity

import (
	"github.com/ethereum/go-ethereum/common"
)

// Signer is the external wallet-signing collaborator (§6 "Signer
// interface"). The core only consumes it; ECDSA signing primitives
// themselves are out of scope.
type Signer interface {
	// Address returns the Ethereum address this signer signs for.
	Address() common.Address

	// SignMessage produces a 65-byte EIP-191 personal_sign signature over
	// plaintext.
	SignMessage(plaintext []byte) ([]byte, error)
}

// Verifier is the external signature-verification collaborator, supporting
// both EOA (EIP-191) and smart-contract (EIP-1271) signers.
type Verifier interface {
	VerifySignature(address common.Address, message, signature []byte) (bool, error)
}

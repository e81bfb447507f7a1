package identity

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// secp256k1HalfOrder is N/2, used to canonicalize ECDSA signatures to
// low-s form so that identical seed signatures across clients produce
// identical keys.
var secp256k1HalfOrder = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// SeedMessage builds the literal message the wallet signs to derive the
// deterministic identity seed: "VerbEth Identity Seed v1\nAddress:
// <addr_lower>\nContext: verbeth".
func SeedMessage(addr common.Address) []byte {
	return []byte(fmt.Sprintf(
		"VerbEth Identity Seed v1\nAddress: %s\nContext: verbeth",
		strings.ToLower(addr.Hex()),
	))
}

// CanonicalizeLowS returns a copy of a 65-byte ECDSA signature (r||s||v)
// rewritten to low-s form, flipping the recovery id to match; the input
// slice is left as is. Signatures already in low-s form are returned
// unchanged.
func CanonicalizeLowS(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("canonicalize signature: expected 65 bytes, got %d", len(sig))
	}
	out := append([]byte(nil), sig...)
	s := new(big.Int).SetBytes(out[32:64])
	if s.Cmp(secp256k1HalfOrder) > 0 {
		s = new(big.Int).Sub(crypto.S256().Params().N, s)
		sBytes := s.Bytes()
		var padded [32]byte
		copy(padded[32-len(sBytes):], sBytes)
		copy(out[32:64], padded[:])
		out[64] ^= 1
	}
	return out, nil
}

// AssembleIKM builds the seed-signature IKM input described in §4.3:
// canonical_sig || sha256(seed_message) || utf8("verbeth/addr:"||addr_lower).
func AssembleIKM(canonicalSig, seedMessage []byte, addr common.Address) []byte {
	h := sha256.Sum256(seedMessage)
	addrTag := []byte("verbeth/addr:" + strings.ToLower(addr.Hex()))

	out := make([]byte, 0, len(canonicalSig)+len(h)+len(addrTag))
	out = append(out, canonicalSig...)
	out = append(out, h[:]...)
	out = append(out, addrTag...)
	return out
}

// Zero overwrites a byte slice with zeros. Best-effort: the Go runtime
// gives no hard guarantee a copy wasn't made by escape analysis or the GC,
// but this is the idiomatic wipe used throughout the handshake/ratchet
// paths.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

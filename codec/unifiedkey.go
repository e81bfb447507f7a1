// Package codec implements the wire formats specified as interoperability
// surfaces: the unified public-key layout, the handshake JSON envelopes,
// and the binary ratchet message framing.
package codec

import "fmt"

const (
	// UnifiedKeyVersion is the only version byte new emissions use.
	UnifiedKeyVersion byte = 0x01

	x25519Size  = 32
	ed25519Size = 32

	// UnifiedKeySize is the layout new clients MUST emit:
	// 0x01 || x25519_pub(32) || ed25519_pub(32).
	UnifiedKeySize = 1 + x25519Size + ed25519Size

	// legacyUnifiedKeySize is the pre-versioned layout, accepted read-only.
	legacyUnifiedKeySize = x25519Size + ed25519Size
)

// UnifiedPubKeys is the parsed form of the 65-byte on-chain key blob.
type UnifiedPubKeys struct {
	X25519  [32]byte
	Ed25519 [32]byte
}

// EncodeUnifiedPubKeys produces the canonical 65-byte layout.
func EncodeUnifiedPubKeys(x25519Pub, ed25519Pub []byte) ([]byte, error) {
	if len(x25519Pub) != x25519Size || len(ed25519Pub) != ed25519Size {
		return nil, fmt.Errorf("encode unified pubkeys: bad key length")
	}
	out := make([]byte, 0, UnifiedKeySize)
	out = append(out, UnifiedKeyVersion)
	out = append(out, x25519Pub...)
	out = append(out, ed25519Pub...)
	return out, nil
}

// DecodeUnifiedPubKeys accepts both the 65-byte versioned layout and the
// legacy 64-byte unversioned layout.
func DecodeUnifiedPubKeys(b []byte) (*UnifiedPubKeys, error) {
	switch len(b) {
	case UnifiedKeySize:
		if b[0] != UnifiedKeyVersion {
			return nil, fmt.Errorf("decode unified pubkeys: unknown version byte %#x", b[0])
		}
		u := &UnifiedPubKeys{}
		copy(u.X25519[:], b[1:1+x25519Size])
		copy(u.Ed25519[:], b[1+x25519Size:])
		return u, nil
	case legacyUnifiedKeySize:
		u := &UnifiedPubKeys{}
		copy(u.X25519[:], b[:x25519Size])
		copy(u.Ed25519[:], b[x25519Size:])
		return u, nil
	default:
		return nil, fmt.Errorf("decode unified pubkeys: bad length %d", len(b))
	}
}

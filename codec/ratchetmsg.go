package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	RatchetMessageVersion byte = 0x01

	sigSize   = 64
	dhSize    = 32
	pnSize    = 4
	nSize     = 4
	NonceSize = 24

	// headerSize is the size of dh||pn||n, the signed authenticator data
	// together with nonce||ciphertext.
	headerSize = dhSize + pnSize + nSize

	// FixedOverhead is the framing overhead before the variable-length
	// nonce||ciphertext field: version + signature + header.
	FixedOverhead = 1 + sigSize + headerSize
)

// RatchetHeader is the per-message Double Ratchet header.
type RatchetHeader struct {
	DH [32]byte // sender's current DH public key
	PN uint32   // previous sending chain length
	N  uint32   // message number in current sending chain
}

// EncodeHeader produces the 40-byte dh||pn||n encoding used both as wire
// bytes and as the Ed25519-signed authenticator data (together with
// nonce||ciphertext).
func (h RatchetHeader) EncodeHeader() []byte {
	b := make([]byte, headerSize)
	copy(b[:dhSize], h.DH[:])
	binary.BigEndian.PutUint32(b[dhSize:dhSize+pnSize], h.PN)
	binary.BigEndian.PutUint32(b[dhSize+pnSize:], h.N)
	return b
}

// RatchetMessage is the parsed form of the binary ratchet wire message.
type RatchetMessage struct {
	Header          RatchetHeader
	Signature       [64]byte
	NonceCiphertext []byte // nonce(24) || poly1305-MAC'd ciphertext
}

// Encode serializes a RatchetMessage to its fixed-layout binary wire
// format. nonceCiphertext must already be nonce(24)||ciphertext(var).
func Encode(h RatchetHeader, signature [64]byte, nonceCiphertext []byte) []byte {
	out := make([]byte, 0, FixedOverhead+len(nonceCiphertext))
	out = append(out, RatchetMessageVersion)
	out = append(out, signature[:]...)
	out = append(out, h.EncodeHeader()...)
	out = append(out, nonceCiphertext...)
	return out
}

// SignedBytes returns the bytes an Ed25519 signature is computed over:
// encoded_header || nonce || ciphertext.
func SignedBytes(h RatchetHeader, nonceCiphertext []byte) []byte {
	out := make([]byte, 0, headerSize+len(nonceCiphertext))
	out = append(out, h.EncodeHeader()...)
	out = append(out, nonceCiphertext...)
	return out
}

// Decode parses the fixed-layout binary wire format.
func Decode(b []byte) (*RatchetMessage, error) {
	if len(b) < FixedOverhead {
		return nil, fmt.Errorf("decode ratchet message: too short (%d bytes)", len(b))
	}
	if b[0] != RatchetMessageVersion {
		return nil, fmt.Errorf("decode ratchet message: unknown version byte %#x", b[0])
	}
	msg := &RatchetMessage{}
	copy(msg.Signature[:], b[1:1+sigSize])

	off := 1 + sigSize
	copy(msg.Header.DH[:], b[off:off+dhSize])
	off += dhSize
	msg.Header.PN = binary.BigEndian.Uint32(b[off : off+pnSize])
	off += pnSize
	msg.Header.N = binary.BigEndian.Uint32(b[off : off+nSize])
	off += nSize

	msg.NonceCiphertext = append([]byte(nil), b[off:]...)
	if len(msg.NonceCiphertext) < NonceSize {
		return nil, fmt.Errorf("decode ratchet message: missing nonce")
	}
	return msg, nil
}

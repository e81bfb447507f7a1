package identity

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// BindingHeader is the literal first line of every binding message.
const BindingHeader = "VerbEth Key Binding v1"

// bindingExecutorLabel intentionally matches the source's line key exactly
// ("ExecutorAddres", missing the trailing "s") — this is a wire format,
// not prose, and must be reproduced byte-exact for cross-client
// compatibility.
const bindingExecutorLabel = "ExecutorAddres"

// BindingContext carries the optional chainId/rpId lines.
type BindingContext struct {
	ChainID *uint64
	RpID    string
}

// Proof is the (message, signature) tuple emitted in a handshake payload,
// binding the long-term keypair to an on-chain executor address.
type Proof struct {
	Message   string
	Signature []byte // 65-byte ECDSA signature
}

// BuildBindingMessage assembles the plaintext message a wallet signs to
// bind an identity keypair to an executor address.
func BuildBindingMessage(
	addr, executorAddr common.Address, ed25519Pub, x25519Pub []byte, ctx *BindingContext,
) string {
	var b strings.Builder
	b.WriteString(BindingHeader)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Address: %s\n", strings.ToLower(addr.Hex()))
	fmt.Fprintf(&b, "PkEd25519: %s\n", hex.EncodeToString(ed25519Pub))
	fmt.Fprintf(&b, "PkX25519: %s\n", hex.EncodeToString(x25519Pub))
	fmt.Fprintf(&b, "%s: %s", bindingExecutorLabel, strings.ToLower(executorAddr.Hex()))
	if ctx != nil {
		if ctx.ChainID != nil {
			fmt.Fprintf(&b, "\nChainId: %s", strconv.FormatUint(*ctx.ChainID, 10))
		}
		if ctx.RpID != "" {
			fmt.Fprintf(&b, "\nRpId: %s", ctx.RpID)
		}
	}
	return b.String()
}

// BuildProof builds and signs a binding proof via the supplied Signer.
func BuildProof(
	signer Signer, executorAddr common.Address, ed25519Pub, x25519Pub []byte, ctx *BindingContext,
) (*Proof, error) {
	msg := BuildBindingMessage(signer.Address(), executorAddr, ed25519Pub, x25519Pub, ctx)
	sig, err := signer.SignMessage([]byte(msg))
	if err != nil {
		return nil, fmt.Errorf("signing binding message: %w", err)
	}
	return &Proof{Message: msg, Signature: sig}, nil
}

// ParsedBindingMessage is the structured form of a parsed binding message,
// used by the verifier (see package verify).
type ParsedBindingMessage struct {
	Header        string
	Address       string
	Ed25519PubHex string
	X25519PubHex  string
	ExecutorHex   string
	ChainID       string
	RpID          string
}

// ParseBindingMessage splits a binding message into its labeled lines.
// Unknown or missing optional lines are left zero-valued; the caller
// decides which are required.
func ParseBindingMessage(msg string) (*ParsedBindingMessage, error) {
	lines := strings.Split(msg, "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty binding message")
	}
	p := &ParsedBindingMessage{Header: lines[0]}
	for _, line := range lines[1:] {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "Address":
			p.Address = val
		case "PkEd25519":
			p.Ed25519PubHex = val
		case "PkX25519":
			p.X25519PubHex = val
		case bindingExecutorLabel:
			p.ExecutorHex = val
		case "ChainId":
			p.ChainID = val
		case "RpId":
			p.RpID = val
		}
	}
	return p, nil
}

// Package handshake implements the two-flight initiator/responder
// protocol of §4.4: ephemeral hybrid key agreement over a broadcast
// log, identity-proof verification, and session bootstrap into the
// ratchet package.
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ed25519"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/identity"
	"github.com/verbeth/verbeth-core/internal/chainbox"
	"github.com/verbeth/verbeth-core/internal/hybridkem"
	"github.com/verbeth/verbeth-core/keyschedule"
	"github.com/verbeth/verbeth-core/ratchet"
	"github.com/verbeth/verbeth-core/verify"
)

var (
	ErrInvalidProof      = errors.New("handshake: invalid identity proof")
	ErrMalformedEphemeral = errors.New("handshake: malformed ephemeral blob")
	ErrKEMFailure        = errors.New("handshake: ML-KEM operation failed")
	ErrEnvelopeOpenFailed = errors.New("handshake: envelope decryption failed")
	ErrDuplicateContact   = errors.New("handshake: duplicate handshake for existing contact")
)

const kemPublicKeySize = hybridkem.PublicKeySize // 1184

// OutgoingHandshake is the on-chain event the initiator emits.
type OutgoingHandshake struct {
	RecipientHash  [32]byte
	UnifiedPubKeys []byte // 65 B
	EphemeralBlob  []byte // A(32) || kem_pk(1184)
	PayloadJSON    []byte
}

// PendingInitiation is what the initiator must persist keyed by
// contact address until a HandshakeResponse arrives (§4.4 step 6).
type PendingInitiation struct {
	ContactAddress   string
	EphemeralSecret  *ecdh.PrivateKey
	EphemeralPublic  *ecdh.PublicKey
	KEM              *hybridkem.KeyPair
	TopicOutbound    [32]byte
	TopicInbound     [32]byte
	CreatedAt        time.Time
}

// RecipientHash computes keccak256("contact:"||addr_lower), the
// indexed field a responder scans for.
func RecipientHash(addr common.Address) [32]byte {
	msg := "contact:" + strings.ToLower(addr.Hex())
	return crypto.Keccak256Hash([]byte(msg))
}

// BuildInitiation runs the initiator flow (§4.4 steps 1-5) and returns
// the event to emit plus the state that must be persisted until a
// response is observed.
func BuildInitiation(
	myKeys *identity.KeyPair,
	proof *identity.Proof,
	contactAddr common.Address,
	plaintextPayload string,
) (*PendingInitiation, *OutgoingHandshake, error) {
	ephemeralSecret, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral x25519 keypair: %w", err)
	}
	kemKeys, err := hybridkem.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKEMFailure, err)
	}

	payload := &codec.HandshakePayload{
		PlaintextPayload: plaintextPayload,
		IdentityProof:    encodeProofWire(proof),
	}
	payloadJSON, err := codec.EncodeHandshakePayload(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding handshake payload: %w", err)
	}

	unified, err := codec.EncodeUnifiedPubKeys(myKeys.X25519PubBytes(), myKeys.Ed25519PubBytes())
	if err != nil {
		return nil, nil, fmt.Errorf("encoding unified pubkeys: %w", err)
	}

	ephemeralBlob := make([]byte, 0, 32+kemPublicKeySize)
	ephemeralBlob = append(ephemeralBlob, ephemeralSecret.PublicKey().Bytes()...)
	ephemeralBlob = append(ephemeralBlob, kemKeys.PublicKey...)

	event := &OutgoingHandshake{
		RecipientHash:  RecipientHash(contactAddr),
		UnifiedPubKeys: unified,
		EphemeralBlob:  ephemeralBlob,
		PayloadJSON:    payloadJSON,
	}
	pending := &PendingInitiation{
		ContactAddress:  strings.ToLower(contactAddr.Hex()),
		EphemeralSecret: ephemeralSecret,
		EphemeralPublic: ephemeralSecret.PublicKey(),
		KEM:             kemKeys,
		CreatedAt:       time.Now(),
	}
	return pending, event, nil
}

// ParseEphemeralBlob splits concat(A, kem_pk) as observed on-chain. A
// bare-classical blob (32 B, no KEM) is also accepted for the legacy
// compatibility path.
func ParseEphemeralBlob(blob []byte) (x25519Pub [32]byte, kemPub []byte, err error) {
	if len(blob) < 32 {
		return x25519Pub, nil, ErrMalformedEphemeral
	}
	copy(x25519Pub[:], blob[:32])
	if len(blob) == 32 {
		return x25519Pub, nil, nil
	}
	if len(blob) != 32+kemPublicKeySize {
		return x25519Pub, nil, ErrMalformedEphemeral
	}
	kemPub = append([]byte(nil), blob[32:]...)
	return x25519Pub, kemPub, nil
}

// IncomingHandshake is the parsed form of an observed Handshake event,
// ready for the responder flow.
type IncomingHandshake struct {
	InitiatorAddress common.Address
	InitiatorX25519  [32]byte
	InitiatorEd25519 [32]byte // decoded from the event's UnifiedPubKeys
	InitiatorKEMPub  []byte   // nil if classical-only
	Payload          codec.HandshakePayload
}

// VerifyInitiation runs §4.4 responder step 2: checks the embedded
// identity proof against the address the Handshake event claims to be
// from.
func VerifyInitiation(in *IncomingHandshake, expected verify.ExpectedKeys, ctx *verify.Context, contractVerifier verify.ContractSignatureVerifier) error {
	sig, err := decodeProofSignature(in.Payload.IdentityProof)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidProof)
	}
	proof := &identity.Proof{
		Message:   in.Payload.IdentityProof.Message,
		Signature: sig,
	}
	if err := verify.IdentityProof(proof, in.InitiatorAddress, expected, ctx, contractVerifier); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return nil
}

// OutgoingResponse is the on-chain event the responder emits.
type OutgoingResponse struct {
	InResponseTo     [32]byte
	ResponderAddress common.Address
	TagPublicKey     [32]byte // R_tag
	EncryptedBody    []byte
}

// ResponderResult bundles the event to emit and the bootstrapped
// session, ready for the Session Manager to persist.
type ResponderResult struct {
	Event   *OutgoingResponse
	Session *ratchet.Session
}

// BuildResponse runs the full responder flow (§4.4 steps 4-10). The
// caller has already verified the initiator's identity proof via
// VerifyInitiation and resolved the conversation's handshake-era
// topic pair.
func BuildResponse(
	myKeys *identity.KeyPair,
	myProof *identity.Proof,
	in *IncomingHandshake,
	topicOutbound, topicInbound [32]byte,
	now time.Time,
) (*ResponderResult, error) {
	tagSecret, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating tag keypair: %w", err)
	}
	ratchetSecret, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ratchet keypair: %w", err)
	}

	initiatorX25519Pub, err := ecdh.X25519().NewPublicKey(in.InitiatorX25519[:])
	if err != nil {
		return nil, fmt.Errorf("invalid initiator x25519 key: %w", err)
	}

	var kemCiphertext, kemShared []byte
	if len(in.InitiatorKEMPub) > 0 {
		kemCiphertext, kemShared, err = hybridkem.Encapsulate(in.InitiatorKEMPub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKEMFailure, err)
		}
	}

	ecdhSharedTag, err := tagSecret.ECDH(initiatorX25519Pub)
	if err != nil {
		return nil, fmt.Errorf("tag ecdh: %w", err)
	}

	var inResponseTo []byte
	if kemShared != nil {
		inResponseTo, err = keyschedule.HSRHybridTag(ecdhSharedTag, kemShared)
	} else {
		inResponseTo, err = keyschedule.HSRClassicalTag(ecdhSharedTag)
	}
	if err != nil {
		return nil, fmt.Errorf("computing hsr tag: %w", err)
	}

	unified, err := codec.EncodeUnifiedPubKeys(myKeys.X25519PubBytes(), myKeys.Ed25519PubBytes())
	if err != nil {
		return nil, fmt.Errorf("encoding unified pubkeys: %w", err)
	}
	content := &codec.HandshakeResponseContent{
		UnifiedPubKeys:  base64.StdEncoding.EncodeToString(unified),
		EphemeralPubKey: base64.StdEncoding.EncodeToString(ratchetSecret.PublicKey().Bytes()),
		KEMCiphertext:   base64.StdEncoding.EncodeToString(kemCiphertext),
		IdentityProof:   encodeProofWire(myProof),
	}
	contentJSON, err := codec.EncodeHandshakeResponseContent(content)
	if err != nil {
		return nil, fmt.Errorf("encoding response content: %w", err)
	}

	var ratchetSecretArr, initiatorPubArr [32]byte
	copy(ratchetSecretArr[:], ratchetSecret.Bytes())
	copy(initiatorPubArr[:], in.InitiatorX25519[:])
	nonce, ciphertext, err := chainbox.SealBox(&ratchetSecretArr, &initiatorPubArr, contentJSON)
	if err != nil {
		return nil, fmt.Errorf("sealing response envelope: %w", err)
	}

	envelope := &codec.HandshakeResponseEnvelope{
		V:   1,
		EPK: base64.StdEncoding.EncodeToString(ratchetSecret.PublicKey().Bytes()),
		N:   base64.StdEncoding.EncodeToString(nonce[:]),
		CT:  base64.StdEncoding.EncodeToString(ciphertext),
	}
	envelopeJSON, err := codec.EncodeEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	var rootX25519Shared []byte
	rootX25519Shared, err = ratchetSecret.ECDH(initiatorX25519Pub)
	if err != nil {
		return nil, fmt.Errorf("responder root ecdh: %w", err)
	}
	initialRoot, err := deriveInitialRootKey(rootX25519Shared, kemShared)
	if err != nil {
		return nil, err
	}

	convID := ratchet.ConversationID(topicOutbound, topicInbound)
	signingPriv := myKeys.Ed25519Priv
	contactSigningPub := ed25519.PublicKey(append([]byte(nil), in.InitiatorEd25519[:]...))

	session, err := ratchet.NewResponderSession(ratchet.Params{
		ConversationID:    convID,
		ContactAddress:    in.InitiatorAddress.Hex(),
		TopicOutbound:     topicOutbound,
		TopicInbound:      topicInbound,
		InitialRootKey:    initialRoot,
		DHMySecret:        ratchetSecret,
		DHTheirPublic:     initiatorX25519Pub,
		SigningPriv:       signingPriv,
		ContactSigningPub: contactSigningPub,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping responder session: %w", err)
	}

	var inResponseToArr [32]byte
	copy(inResponseToArr[:], inResponseTo)
	var tagPubArr [32]byte
	copy(tagPubArr[:], tagSecret.PublicKey().Bytes())

	return &ResponderResult{
		Event: &OutgoingResponse{
			InResponseTo:     inResponseToArr,
			ResponderAddress: common.Address{}, // filled by caller from its own identity
			TagPublicKey:     tagPubArr,
			EncryptedBody:    envelopeJSON,
		},
		Session: session,
	}, nil
}

// CompleteInitiation runs §4.4 "Matching" once a HandshakeResponse has
// been located for a pending initiation: decrypt, decapsulate,
// verify the embedded proof, and bootstrap the initiator session.
func CompleteInitiation(
	myKeys *identity.KeyPair,
	pending *PendingInitiation,
	envelope codec.HandshakeResponseEnvelope,
	expected verify.ExpectedKeys,
	ctx *verify.Context,
	contractVerifier verify.ContractSignatureVerifier,
	now time.Time,
) (*ratchet.Session, *codec.HandshakeResponseContent, error) {
	epkBytes, err := base64.StdEncoding.DecodeString(envelope.EPK)
	if err != nil || len(epkBytes) != 32 {
		return nil, nil, ErrMalformedEphemeral
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(envelope.N)
	if err != nil || len(nonceBytes) != 24 {
		return nil, nil, ErrMalformedEphemeral
	}
	ctBytes, err := base64.StdEncoding.DecodeString(envelope.CT)
	if err != nil {
		return nil, nil, ErrMalformedEphemeral
	}

	var myPriv, theirPub [32]byte
	copy(myPriv[:], pending.EphemeralSecret.Bytes())
	copy(theirPub[:], epkBytes)

	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plaintext, err := chainbox.OpenBox(&myPriv, &theirPub, nonce, ctBytes)
	if err != nil {
		return nil, nil, ErrEnvelopeOpenFailed
	}
	content, err := codec.DecodeHandshakeResponseContent(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding response content: %w", err)
	}

	var kemShared []byte
	if content.KEMCiphertext != "" {
		if pending.KEM == nil {
			return nil, nil, ErrKEMFailure
		}
		kemCiphertext, err := base64.StdEncoding.DecodeString(content.KEMCiphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: malformed ciphertext", ErrKEMFailure)
		}
		kemShared, err = pending.KEM.Decapsulate(kemCiphertext)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrKEMFailure, err)
		}
	}

	proofSig, err := decodeProofSignature(content.IdentityProof)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	proof := &identity.Proof{
		Message:   content.IdentityProof.Message,
		Signature: proofSig,
	}
	responderAddr, err := recoverProofAddress(proof)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	if err := verify.IdentityProof(proof, responderAddr, expected, ctx, contractVerifier); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	responderRatchetPub, err := ecdh.X25519().NewPublicKey(theirPub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid responder ratchet key: %w", err)
	}
	x25519Shared, err := pending.EphemeralSecret.ECDH(responderRatchetPub)
	if err != nil {
		return nil, nil, fmt.Errorf("initiator root ecdh: %w", err)
	}
	initialRoot, err := deriveInitialRootKey(x25519Shared, kemShared)
	if err != nil {
		return nil, nil, err
	}

	responderUnifiedBytes, err := base64.StdEncoding.DecodeString(content.UnifiedPubKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding responder unified pubkeys: %w", err)
	}
	responderUnified, err := codec.DecodeUnifiedPubKeys(responderUnifiedBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding responder unified pubkeys: %w", err)
	}

	convID := ratchet.ConversationID(pending.TopicOutbound, pending.TopicInbound)
	session, err := ratchet.NewInitiatorSession(ratchet.Params{
		ConversationID:    convID,
		ContactAddress:    pending.ContactAddress,
		TopicOutbound:     pending.TopicOutbound,
		TopicInbound:      pending.TopicInbound,
		InitialRootKey:    initialRoot,
		DHMySecret:        pending.EphemeralSecret,
		DHTheirPublic:     responderRatchetPub,
		SigningPriv:       myKeys.Ed25519Priv,
		ContactSigningPub: ed25519.PublicKey(append([]byte(nil), responderUnified.Ed25519[:]...)),
	}, now)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrapping initiator session: %w", err)
	}

	return session, content, nil
}

func deriveInitialRootKey(x25519Shared, kemShared []byte) ([]byte, error) {
	if len(kemShared) > 0 {
		root, err := keyschedule.InitialRootKeyHybrid(x25519Shared, kemShared)
		if err != nil {
			return nil, fmt.Errorf("deriving hybrid initial root key: %w", err)
		}
		return root, nil
	}
	root, err := keyschedule.InitialRootKeyClassical(x25519Shared)
	if err != nil {
		return nil, fmt.Errorf("deriving classical initial root key: %w", err)
	}
	return root, nil
}

// recoverProofAddress recovers the signer address embedded in a
// binding proof's own parsed ExecutorAddres line, used only to learn
// who to verify against before the caller has out-of-band confirmation
// of the responder's address.
func recoverProofAddress(proof *identity.Proof) (common.Address, error) {
	parsed, err := identity.ParseBindingMessage(proof.Message)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(parsed.ExecutorHex) {
		return common.Address{}, fmt.Errorf("malformed executor address %q", parsed.ExecutorHex)
	}
	return common.HexToAddress(parsed.ExecutorHex), nil
}

func encodeProofWire(proof *identity.Proof) codec.IdentityProofWire {
	return codec.IdentityProofWire{
		Message:   proof.Message,
		Signature: base64.StdEncoding.EncodeToString(proof.Signature),
	}
}

func decodeProofSignature(w codec.IdentityProofWire) ([]byte, error) {
	return base64.StdEncoding.DecodeString(w.Signature)
}

package codec

import "encoding/json"

// IdentityProofWire is the on-wire form of an identity-binding proof,
// carried inside both Handshake and HandshakeResponse payloads.
type IdentityProofWire struct {
	Message       string `json:"message"`
	Signature     string `json:"signature"`
	MessageRawHex string `json:"messageRawHex,omitempty"`
}

// HandshakePayload is the UTF-8 JSON body of a Handshake event's
// plaintextPayload field. It is never encrypted: confidentiality of the
// handshake intent is not a goal.
type HandshakePayload struct {
	PlaintextPayload string            `json:"plaintextPayload"`
	IdentityProof    IdentityProofWire `json:"identityProof"`
}

// EncodeHandshakePayload serializes a HandshakePayload to its wire bytes.
func EncodeHandshakePayload(p *HandshakePayload) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeHandshakePayload parses the wire bytes of a Handshake event.
func DecodeHandshakePayload(b []byte) (*HandshakePayload, error) {
	var p HandshakePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// HandshakeResponseContent is the plaintext enclosed by the NaCl-box
// envelope in a HandshakeResponse event.
type HandshakeResponseContent struct {
	UnifiedPubKeys  string            `json:"unifiedPubKeys"`
	EphemeralPubKey string            `json:"ephemeralPubKey"`
	KEMCiphertext   string            `json:"kemCiphertext,omitempty"`
	Note            string            `json:"note,omitempty"`
	IdentityProof   IdentityProofWire `json:"identityProof"`
}

// HandshakeResponseEnvelope is the outer JSON object carried as a
// HandshakeResponse event's ciphertext field.
type HandshakeResponseEnvelope struct {
	V   int    `json:"v"`
	EPK string `json:"epk"`
	N   string `json:"n"`
	CT  string `json:"ct"`
	Sig string `json:"sig,omitempty"`
}

// EncodeHandshakeResponseContent serializes the inner plaintext.
func EncodeHandshakeResponseContent(c *HandshakeResponseContent) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeHandshakeResponseContent parses the inner plaintext.
func DecodeHandshakeResponseContent(b []byte) (*HandshakeResponseContent, error) {
	var c HandshakeResponseContent
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeEnvelope serializes the outer envelope.
func EncodeEnvelope(e *HandshakeResponseEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses the outer envelope.
func DecodeEnvelope(b []byte) (*HandshakeResponseEnvelope, error) {
	var e HandshakeResponseEnvelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Package transport names the external collaborator contracts described
// in §6: the on-chain event shapes the core consumes and produces, the
// executor that actually submits transactions, and the storage
// interfaces a concrete backend implements. Nothing in this package
// performs I/O; it only describes the boundary.
package transport

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verbeth/verbeth-core/pending"
	"github.com/verbeth/verbeth-core/ratchet"
)

// HandshakeEvent is the on-chain shape of a Handshake event (§4.4 step
// 5), as observed by a responder scanning the log.
type HandshakeEvent struct {
	RecipientHash  [32]byte
	Sender         common.Address
	UnifiedPubKeys []byte
	EphemeralBlob  []byte
	PayloadJSON    []byte
	BlockNumber    uint64
	LogIndex       uint32
}

// HandshakeResponseEvent is the on-chain shape of a HandshakeResponse
// event (§4.4 step 10), as observed by an initiator scanning the log.
type HandshakeResponseEvent struct {
	InResponseTo     [32]byte
	ResponderAddress common.Address
	TagPublicKey     [32]byte
	EncryptedBody    []byte
	BlockNumber      uint64
	LogIndex         uint32
}

// MessageSentEvent is the on-chain shape of a ratchet message event:
// the wire-encoded RatchetMessage plus its routing topic.
type MessageSentEvent struct {
	Topic       [32]byte
	WireMessage []byte
	TxHash      string
	BlockNumber uint64
	LogIndex    uint32
}

// Signer is the external wallet/session-signer collaborator used by
// identity binding and transaction submission; it never touches the
// ratchet's long-term keys directly.
type Signer interface {
	Address() common.Address
	SignMessage(plaintext []byte) ([]byte, error)
}

// Executor dispatches an already ratchet-encrypted wire message as an
// on-chain transaction. Re-exported from package pending so callers
// wiring a concrete executor only need to import this package.
type Executor = pending.Executor

// SessionStore is the persistence contract for ratchet sessions. It is
// declared independently of session.Store with the same method set, so
// one concrete store satisfies both.
type SessionStore interface {
	LoadSession(conversationID [32]byte) (*ratchet.Session, error)
	SaveSession(s *ratchet.Session) error
	DeleteSession(conversationID [32]byte) error
}

// PendingStore is the persistence contract for two-phase-commit
// PendingMessage records.
type PendingStore interface {
	SavePending(m *pending.Message) error
	DeletePendingByTxHash(txHash string) error
	DeletePendingByConversation(conversationID [32]byte) error
	ListStale(olderThan time.Time) ([]*pending.Message, error)
}

// Package pending implements the Pending Manager (§4.8): a two-phase-
// commit coordinator around outbound ratchet encryption, serialized
// per conversation so concurrent prepares never assign the same
// sendingMsgNumber.
package pending

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/session"
)

// Metrics are the Prometheus collectors a Manager updates across the
// prepare/submit/confirm/revert lifecycle.
type Metrics struct {
	InFlight   prometheus.Gauge
	Submitted  prometheus.Counter
	Failed     prometheus.Counter
	Reverted   prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "verbeth",
			Subsystem: "pending",
			Name:      "in_flight",
			Help:      "PendingMessage records awaiting on-chain confirmation.",
		}),
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verbeth",
			Subsystem: "pending",
			Name:      "submitted_total",
			Help:      "Messages successfully submitted to the executor.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verbeth",
			Subsystem: "pending",
			Name:      "submit_failed_total",
			Help:      "Messages whose executor submission failed.",
		}),
		Reverted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verbeth",
			Subsystem: "pending",
			Name:      "reverted_total",
			Help:      "PendingMessage records explicitly reverted after a transaction never confirmed.",
		}),
	}
}

// Collectors returns the metrics as a slice suitable for
// prometheus.Registry.MustRegister.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.InFlight, m.Submitted, m.Failed, m.Reverted}
}

// Status is the lifecycle state of a PendingMessage.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Message is the persisted two-phase-commit record (§4.8 step 1).
type Message struct {
	ConversationID  [32]byte
	TxHash          string
	Status          Status
	Topic           [32]byte
	Header          codec.RatchetHeader
	NonceCiphertext []byte
	Signature       [64]byte
	CreatedAt       time.Time
}

// Store is the persistence contract for pending messages.
type Store interface {
	SavePending(m *Message) error
	DeletePendingByTxHash(txHash string) error
	DeletePendingByConversation(conversationID [32]byte) error
	ListStale(olderThan time.Time) ([]*Message, error)
}

// Executor dispatches an already-encrypted ratchet message as an
// on-chain transaction. The core never constructs or signs
// transactions itself — this is the external collaborator named in
// §6.
type Executor interface {
	Submit(topic [32]byte, wireMessage []byte) (txHash string, err error)
}

var (
	ErrSubmitFailed = errors.New("pending: submission failed")
	ErrNotPreparing = errors.New("pending: message is not in preparing state")
)

// Manager coordinates prepare/submit/confirm/revert, serializing
// prepare+submit per conversation (§4.8 "Sequential invariant").
type Manager struct {
	sessions *session.Manager
	store    Store
	executor Executor
	metrics  *Metrics

	locksMu sync.Mutex
	locks   map[[32]byte]*sync.Mutex
}

func New(sessions *session.Manager, store Store, executor Executor) *Manager {
	return &Manager{
		sessions: sessions,
		store:    store,
		executor: executor,
		metrics:  newMetrics(),
		locks:    make(map[[32]byte]*sync.Mutex),
	}
}

// Metrics returns the Manager's Prometheus collectors for registration.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

func (m *Manager) lockFor(conversationID [32]byte) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[conversationID] = l
	}
	return l
}

// Send runs the full prepare→submit sequence for one outbound message.
// Prepare (ratchet-encrypt, save advanced session, persist the
// PendingMessage) happens under the conversation's lock; submission to
// the executor happens while still holding it, satisfying the
// sequential invariant across both steps.
func (m *Manager) Send(conversationID [32]byte, plaintext []byte, now time.Time) (*Message, error) {
	lock := m.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.sessions.GetByConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("pending: load session: %w", err)
	}

	header, nonceCiphertext, sig, topic, err := s.Encrypt(plaintext, now)
	if err != nil {
		return nil, fmt.Errorf("pending: encrypt: %w", err)
	}
	if err := m.sessions.Save(s); err != nil {
		return nil, fmt.Errorf("pending: save advanced session: %w", err)
	}

	msg := &Message{
		ConversationID:  conversationID,
		Status:          StatusPreparing,
		Topic:           topic,
		Header:          header,
		NonceCiphertext: nonceCiphertext,
		Signature:       sig,
		CreatedAt:       now,
	}
	if err := m.store.SavePending(msg); err != nil {
		return nil, fmt.Errorf("pending: persist prepared message: %w", err)
	}
	m.metrics.InFlight.Inc()

	wire := codec.Encode(msg.Header, msg.Signature, msg.NonceCiphertext)
	txHash, err := m.executor.Submit(msg.Topic, wire)
	if err != nil {
		msg.Status = StatusFailed
		_ = m.store.SavePending(msg)
		m.metrics.Failed.Inc()
		m.metrics.InFlight.Dec()
		return msg, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	msg.TxHash = txHash
	msg.Status = StatusSubmitted
	if err := m.store.SavePending(msg); err != nil {
		return msg, fmt.Errorf("pending: persist submitted status: %w", err)
	}
	m.metrics.Submitted.Inc()
	return msg, nil
}

// Confirm deletes the PendingMessage once the on-chain MessageSent
// event echoing txHash has been observed (§4.8 step 3).
func (m *Manager) Confirm(txHash string) error {
	if err := m.store.DeletePendingByTxHash(txHash); err != nil {
		return fmt.Errorf("pending: confirm: %w", err)
	}
	m.metrics.InFlight.Dec()
	return nil
}

// Revert deletes the PendingMessage on late discovery that its
// transaction never confirmed. The session's advanced state is left
// untouched — the slot stays burned (§4.8 step 4, "Why slot-burning is
// safe").
func (m *Manager) Revert(txHash string) error {
	if err := m.store.DeletePendingByTxHash(txHash); err != nil {
		return fmt.Errorf("pending: revert: %w", err)
	}
	m.metrics.Reverted.Inc()
	m.metrics.InFlight.Dec()
	return nil
}

// CleanupStale removes PendingMessage records older than maxAge whose
// transactions were never confirmed nor explicitly reverted — a
// maintenance sweep guarding against storage growth from abandoned
// sends.
func (m *Manager) CleanupStale(maxAge time.Duration, now time.Time) (int, error) {
	stale, err := m.store.ListStale(now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("pending: list stale: %w", err)
	}
	removed := 0
	for _, msg := range stale {
		if msg.TxHash == "" {
			if err := m.store.DeletePendingByConversation(msg.ConversationID); err != nil {
				return removed, fmt.Errorf("pending: cleanup: %w", err)
			}
		} else if err := m.store.DeletePendingByTxHash(msg.TxHash); err != nil {
			return removed, fmt.Errorf("pending: cleanup: %w", err)
		}
		removed++
	}
	return removed, nil
}

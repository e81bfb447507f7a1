// Package session implements the Session Manager (§4.7): a cache-first
// router sitting between the ratchet engine and the storage adapter,
// responsible for the three-slot topic lookups that route an inbound
// message to the right session.
package session

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/verbeth/verbeth-core/ratchet"
)

// Metrics are the Prometheus collectors a Manager updates as sessions are
// cached and DH-ratcheted. Register Collectors() with a registry to expose
// them; a Manager built via New works without ever touching a registry.
type Metrics struct {
	CachedSessions prometheus.Gauge
	DHSteps        prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		CachedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "verbeth",
			Subsystem: "session",
			Name:      "cached_sessions",
			Help:      "Number of ratchet sessions currently held in the manager's cache.",
		}),
		DHSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verbeth",
			Subsystem: "session",
			Name:      "dh_steps_total",
			Help:      "Number of DH ratchet steps observed across all sessions (topic rotations).",
		}),
	}
}

// Collectors returns the metrics as a slice suitable for
// prometheus.Registry.MustRegister.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.CachedSessions, m.DHSteps}
}

// Store is the storage-adapter contract the Session Manager writes
// through to. Implementations (see package storeadapter) own durability;
// the manager owns caching and topic routing.
type Store interface {
	LoadSession(conversationID [32]byte) (*ratchet.Session, error)
	SaveSession(s *ratchet.Session) error
	DeleteSession(conversationID [32]byte) error
}

// ErrNotFound is returned by Store implementations (and surfaced
// verbatim) when no session exists for the requested key.
var ErrNotFound = fmt.Errorf("session: not found")

// Manager is the cache-first session cache and topic router.
type Manager struct {
	store   Store
	metrics *Metrics

	mu      sync.Mutex
	byConv  map[[32]byte]*ratchet.Session
	byTopic map[string][32]byte // inbound topic hex -> conversationId, rebuilt on cache fill
}

// New constructs a Manager backed by store.
func New(store Store) *Manager {
	return &Manager{
		store:   store,
		metrics: newMetrics(),
		byConv:  make(map[[32]byte]*ratchet.Session),
		byTopic: make(map[string][32]byte),
	}
}

// Metrics returns the Manager's Prometheus collectors for registration.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// GetByConversation implements the cache-first lookup. On a cache miss
// it loads from the store and populates both indices.
func (m *Manager) GetByConversation(conversationID [32]byte) (*ratchet.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByConversationLocked(conversationID)
}

func (m *Manager) getByConversationLocked(conversationID [32]byte) (*ratchet.Session, error) {
	if s, ok := m.byConv[conversationID]; ok {
		return s, nil
	}
	s, err := m.store.LoadSession(conversationID)
	if err != nil {
		return nil, err
	}
	m.indexLocked(s)
	return s, nil
}

// MatchKind mirrors ratchet.MatchKind for callers that don't otherwise
// import the ratchet package.
type MatchKind = ratchet.MatchKind

// GetByInboundTopic implements §4.7's three-slot lookup. On a "next"
// match it promotes the session's topic window before returning, per
// spec — the mutation affects the cached entry immediately and the
// store on the caller's next Save.
func (m *Manager) GetByInboundTopic(topic [32]byte, now time.Time) (*ratchet.Session, MatchKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	topicHex := hex.EncodeToString(topic[:])
	if cid, ok := m.byTopic[topicHex]; ok {
		s, err := m.getByConversationLocked(cid)
		if err != nil {
			return nil, ratchet.MatchNone, err
		}
		kind := s.MatchInboundTopic(topic, now)
		if kind == ratchet.MatchNext {
			s.PromoteNextTopic(now)
			m.reindexLocked(s)
			m.metrics.DHSteps.Inc()
		}
		return s, kind, nil
	}
	return nil, ratchet.MatchNone, ErrNotFound
}

// Save writes a session through to the store and refreshes the cache
// and topic index.
func (m *Manager) Save(s *ratchet.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SaveSession(s); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	m.reindexLocked(s)
	return nil
}

// Invalidate drops a cache entry, e.g. after a session reset.
func (m *Manager) Invalidate(conversationID [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byConv[conversationID]; ok {
		m.unindexLocked(s)
	}
	delete(m.byConv, conversationID)
	m.metrics.CachedSessions.Set(float64(len(m.byConv)))
}

// Track registers a freshly-bootstrapped session (from the handshake
// engine) in the cache without requiring a round trip through the
// store; callers still must Save it for durability.
func (m *Manager) Track(s *ratchet.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexLocked(s)
}

func (m *Manager) indexLocked(s *ratchet.Session) {
	m.byConv[s.ConversationID] = s
	m.byTopic[hex.EncodeToString(s.Topics.CurrentInbound[:])] = s.ConversationID
	if s.Topics.NextInbound != nil {
		m.byTopic[hex.EncodeToString(s.Topics.NextInbound[:])] = s.ConversationID
	}
	if s.Topics.PreviousInbound != nil {
		m.byTopic[hex.EncodeToString(s.Topics.PreviousInbound[:])] = s.ConversationID
	}
	m.metrics.CachedSessions.Set(float64(len(m.byConv)))
}

func (m *Manager) unindexLocked(s *ratchet.Session) {
	delete(m.byTopic, hex.EncodeToString(s.Topics.CurrentInbound[:]))
	if s.Topics.NextInbound != nil {
		delete(m.byTopic, hex.EncodeToString(s.Topics.NextInbound[:]))
	}
	if s.Topics.PreviousInbound != nil {
		delete(m.byTopic, hex.EncodeToString(s.Topics.PreviousInbound[:]))
	}
}

func (m *Manager) reindexLocked(s *ratchet.Session) {
	m.unindexLocked(s)
	m.byConv[s.ConversationID] = s
	m.indexLocked(s)
}

// RunBatch applies fn to each session reference sequentially — the
// batch mode described in §4.7, where a DH step mid-batch changes the
// key route for subsequent messages in the same scan window. Sessions
// touched during the batch are saved once at the end.
func (m *Manager) RunBatch(conversationIDs [][32]byte, fn func(s *ratchet.Session) error) error {
	m.mu.Lock()
	touched := make(map[[32]byte]*ratchet.Session, len(conversationIDs))
	for _, cid := range conversationIDs {
		s, err := m.getByConversationLocked(cid)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		touched[cid] = s
	}
	m.mu.Unlock()

	for _, cid := range conversationIDs {
		if err := fn(touched[cid]); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range touched {
		if err := m.store.SaveSession(s); err != nil {
			return fmt.Errorf("session: batch save: %w", err)
		}
		m.reindexLocked(s)
	}
	return nil
}

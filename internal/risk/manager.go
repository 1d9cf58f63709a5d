package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultSessionTTL is how long an untouched login session is kept.
const DefaultSessionTTL = 30 * time.Minute

// Manager owns one Aggregator per login session.
type Manager struct {
	store  Store
	events EventEmitter
	logger *slog.Logger
	answer string
	clock  clock.Clock
	ttl    time.Duration

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*tracked
}

type tracked struct {
	agg      *Aggregator
	cancel   context.CancelFunc
	lastSeen time.Time
}

// NewManager creates a manager whose aggregators record to store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		logger:   slog.Default(),
		clock:    clock.New(),
		ttl:      DefaultSessionTTL,
		ctx:      context.Background(),
		sessions: make(map[string]*tracked),
	}
}

// WithEvents sets the realtime event emitter handed to every aggregator.
func (m *Manager) WithEvents(e EventEmitter) *Manager {
	m.events = e
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// WithSecondaryAnswer sets the secondary challenge answer.
func (m *Manager) WithSecondaryAnswer(answer string) *Manager {
	m.answer = answer
	return m
}

// WithClock sets the clock used for idle tracking.
func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

// WithSessionTTL sets how long an untouched session survives a sweep.
func (m *Manager) WithSessionTTL(d time.Duration) *Manager {
	if d > 0 {
		m.ttl = d
	}
	return m
}

// Start sets the context that bounds every aggregator's signal loop.
// Aggregators created before Start keep the background context.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Get returns the aggregator of a login session, creating it on first use.
// Only flows that establish a login session should call it.
func (m *Manager) Get(sessionID string) *Aggregator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.sessions[sessionID]; ok {
		t.lastSeen = m.clock.Now()
		return t.agg
	}
	a := NewAggregator(sessionID, m.store).
		WithLogger(m.logger).
		WithSecondaryAnswer(m.answer)
	if m.events != nil {
		a.WithEvents(m.events)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.sessions[sessionID] = &tracked{agg: a, cancel: cancel, lastSeen: m.clock.Now()}
	activeSessions.Inc()
	go a.Run(ctx)
	return a
}

// Lookup returns an existing aggregator and marks it as used.
func (m *Manager) Lookup(sessionID string) (*Aggregator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	t.lastSeen = m.clock.Now()
	return t.agg, true
}

// Reset clears a session's checks on logout and returns the new epoch.
// Results of flows started before the reset are discarded.
func (m *Manager) Reset(sessionID string) (uint64, error) {
	a, ok := m.Lookup(sessionID)
	if !ok {
		return 0, ErrSessionNotFound
	}
	return a.Reset(), nil
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Store returns the assessment store.
func (m *Manager) Store() Store { return m.store }

// Run evicts idle sessions until ctx is done. Call in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.ttl/4, time.Second)
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops sessions untouched for longer than the TTL, stops their
// signal loops and returns how many were dropped.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []string
	for id, t := range m.sessions {
		if t.lastSeen.Before(cutoff) {
			t.cancel()
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		activeSessions.Sub(float64(len(expired)))
		m.logger.Info("expired idle login sessions", "count", len(expired))
	}
	return len(expired)
}

package deception

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"personashift/shared/eventbus"
	"personashift/shared/ledger"
)

// Manager owns the open sessions of an Engine.
type Manager struct {
	engine *Engine

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(e *Engine) *Manager {
	return &Manager{engine: e, sessions: make(map[string]*Session)}
}

func (m *Manager) Engine() *Engine { return m.engine }

// Open starts a session; an empty id gets a random one.
func (m *Manager) Open(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := m.engine.NewSession(id)
	m.sessions[id] = s
	m.engine.metrics.SessionOpened()
	m.engine.log.Debug("session opened", zap.String("session_id", id), zap.String("persona", s.initial))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Close removes and closes the session and returns its final state.
func (m *Manager) Close(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return m.finish(ctx, s), nil
}

func (m *Manager) finish(ctx context.Context, s *Session) Snapshot {
	s.Close()
	snap := s.Snapshot()
	m.engine.metrics.SessionClosed()
	m.engine.publish(ctx, eventbus.Event{
		Type:      eventbus.TopicSessionClosed,
		Source:    "deception",
		SessionID: s.id,
		Payload:   snap,
	})
	return snap
}

// CloseIdle closes every session without activity since before.
func (m *Manager) CloseIdle(ctx context.Context, before time.Time) []Snapshot {
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince(before) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	return m.finishAll(ctx, idle)
}

// CloseAll closes every open session.
func (m *Manager) CloseAll(ctx context.Context) []Snapshot {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	return m.finishAll(ctx, all)
}

func (m *Manager) finishAll(ctx context.Context, ss []*Session) []Snapshot {
	sort.Slice(ss, func(i, j int) bool { return ss[i].id < ss[j].id })
	out := make([]Snapshot, 0, len(ss))
	for _, s := range ss {
		out = append(out, m.finish(ctx, s))
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the open session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// NewLedgerRecorder appends transition and session-closed events to w.
func NewLedgerRecorder(w *ledger.Writer, log *zap.Logger) eventbus.Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return eventbus.Func{
		Events: []string{eventbus.TopicPersonaTransition, eventbus.TopicSessionClosed},
		Fn: func(_ context.Context, evt eventbus.Event) {
			if err := w.Append(evt.Type, evt.Payload); err != nil {
				log.Warn("ledger append failed", zap.String("type", evt.Type), zap.String("session_id", evt.SessionID), zap.Error(err))
			}
		},
	}
}

package deception

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"personashift/pkg/oracle"
	"personashift/pkg/persona"
	"personashift/shared/eventbus"
)

// TransitionRecord is an append-only entry of a session's persona history.
type TransitionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Previous  string    `json:"previous"`
	New       string    `json:"new"`
	Reason    string    `json:"reason"`
	Modules   []string  `json:"modules"`
	Outcome   Outcome   `json:"outcome"`
}

// TransitionEvent is the payload of eventbus.TopicPersonaTransition.
type TransitionEvent struct {
	SessionID  string           `json:"session_id"`
	Counter    int64            `json:"interaction_count"`
	Transition TransitionRecord `json:"transition"`
	Bias       *BiasCheck       `json:"bias,omitempty"`
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	Counter int64
	// Ran is false when the counter was not at a multiple of N or nothing
	// was recorded since the previous evaluation.
	Ran        bool
	Result     DecisionResult
	Transition *TransitionRecord
	// Persona is the active persona after the call.
	Persona string
}

// Session is one attacker connection. Its methods are safe for concurrent
// use; evaluations of the same session run one at a time.
type Session struct {
	id     string
	engine *Engine

	evalMu sync.Mutex

	mu          sync.Mutex
	persona     persona.Persona
	initial     string
	counter     int64
	lastEval    int64
	window      []oracle.Interaction
	transitions []TransitionRecord
	closed      bool
	openedAt    time.Time
	lastSeen    time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) ID() string { return s.id }

// Persona returns the active persona.
func (s *Session) Persona() persona.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Record appends an interaction and returns the new counter value. A
// following Evaluate runs the decision when the counter is due.
func (s *Session) Record(protocol persona.Protocol, content string) (int64, error) {
	counter, _, _, err := s.record(protocol, content, false)
	return counter, err
}

// record appends an interaction. With claim set and the new counter on a
// multiple of N, the evaluation of that counter is claimed under the same
// lock and the window as of that counter is returned.
func (s *Session) record(protocol persona.Protocol, content string, claim bool) (int64, []oracle.Interaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, false, ErrSessionClosed
	}
	now := s.engine.now()
	s.counter++
	s.lastSeen = now
	s.window = append(s.window, oracle.Interaction{Protocol: string(protocol), Content: content, At: now})
	if over := len(s.window) - s.engine.cfg.WindowSize; over > 0 {
		s.window = append(s.window[:0], s.window[over:]...)
	}
	if !claim || !s.dueLocked() {
		return s.counter, nil, false, nil
	}
	s.lastEval = s.counter
	return s.counter, append([]oracle.Interaction(nil), s.window...), true, nil
}

func (s *Session) dueLocked() bool {
	return s.counter > 0 && s.counter%int64(s.engine.cfg.EvalInterval) == 0 && s.counter > s.lastEval
}

// Interact records an interaction and, when its counter is a multiple of N,
// evaluates at that counter. Concurrent interactions never skip a due
// evaluation.
func (s *Session) Interact(ctx context.Context, protocol persona.Protocol, content string) (Evaluation, error) {
	counter, window, due, err := s.record(protocol, content, true)
	if err != nil {
		return Evaluation{}, err
	}
	if !due {
		return Evaluation{Counter: counter, Persona: s.Persona().Name}, nil
	}
	return s.evaluateAt(ctx, counter, window)
}

// Evaluate runs the decision pipeline when the counter sits on a multiple of
// N that has not been evaluated yet, and commits the resulting switch. A
// session closed meanwhile yields ErrSessionClosed and no change.
func (s *Session) Evaluate(ctx context.Context) (Evaluation, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Evaluation{}, ErrSessionClosed
	}
	counter := s.counter
	if !s.dueLocked() {
		name := s.persona.Name
		s.mu.Unlock()
		return Evaluation{Counter: counter, Persona: name}, nil
	}
	s.lastEval = counter
	window := append([]oracle.Interaction(nil), s.window...)
	s.mu.Unlock()
	return s.evaluateAt(ctx, counter, window)
}

// evaluateAt decides for a claimed counter. Evaluations of one session are
// serialized; each sees the persona left by the previous one.
func (s *Session) evaluateAt(ctx context.Context, counter int64, window []oracle.Interaction) (Evaluation, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Evaluation{}, ErrSessionClosed
	}
	current := s.persona
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	res := s.engine.decide(ctx, s.id, current.Name, window)
	if s.ctx.Err() != nil {
		return Evaluation{}, ErrSessionClosed
	}
	s.engine.metrics.Evaluation(string(res.Outcome))

	ev := Evaluation{Counter: counter, Ran: true, Result: res, Persona: current.Name}
	if !res.Switch() || res.Persona == current.Name {
		return ev, nil
	}
	next, err := s.engine.catalog.Lookup(res.Persona)
	if err != nil {
		return ev, nil
	}

	rec := TransitionRecord{
		Timestamp: s.engine.now().UTC(),
		Previous:  current.Name,
		New:       next.Name,
		Reason:    res.Reason,
		Modules:   append([]string(nil), next.Modules...),
		Outcome:   res.Outcome,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Evaluation{}, ErrSessionClosed
	}
	s.persona = next
	s.transitions = append(s.transitions, rec)
	if keep := s.engine.cfg.RetainAfterSwitch; len(s.window) > keep {
		s.window = append(s.window[:0], s.window[len(s.window)-keep:]...)
	}
	s.mu.Unlock()

	s.engine.metrics.Transition(rec.Previous, rec.New)
	s.engine.log.Info("persona transition",
		zap.String("session_id", s.id),
		zap.String("from", rec.Previous),
		zap.String("to", rec.New),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("reason", rec.Reason))
	s.engine.publish(context.WithoutCancel(ctx), eventbus.Event{
		Type:      eventbus.TopicPersonaTransition,
		Source:    "deception",
		SessionID: s.id,
		Time:      rec.Timestamp,
		Payload:   TransitionEvent{SessionID: s.id, Counter: counter, Transition: rec, Bias: res.Bias},
	})

	ev.Transition = &rec
	ev.Persona = next.Name
	return ev, nil
}

// Close discards the session. An evaluation in flight is cancelled and will
// not commit. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot is a copy of a session's state.
type Snapshot struct {
	ID             string             `json:"session_id"`
	Persona        string             `json:"persona"`
	InitialPersona string             `json:"initial_persona"`
	Modules        []string           `json:"modules"`
	Counter        int64              `json:"interaction_count"`
	Window         []string           `json:"window"`
	Transitions    []TransitionRecord `json:"transitions"`
	OpenedAt       time.Time          `json:"opened_at"`
	LastActivity   time.Time          `json:"last_activity"`
	Closed         bool               `json:"closed"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	win := make([]string, len(s.window))
	for i, it := range s.window {
		win[i] = it.Content
	}
	return Snapshot{
		ID:             s.id,
		Persona:        s.persona.Name,
		InitialPersona: s.initial,
		Modules:        append([]string(nil), s.persona.Modules...),
		Counter:        s.counter,
		Window:         win,
		Transitions:    append([]TransitionRecord{}, s.transitions...),
		OpenedAt:       s.openedAt,
		LastActivity:   s.lastSeen,
		Closed:         s.closed,
	}
}

func (s *Session) idleSince(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastSeen.After(t)
}

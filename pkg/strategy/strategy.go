// Package strategy persists learned per-persona weights and the per-session
// records they were learned from.
package strategy

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrWriteConflict reports a lost read-modify-write race; the caller retries.
	ErrWriteConflict = errors.New("strategy: write conflict")
	// ErrUnavailable reports that the store cannot be reached.
	ErrUnavailable = errors.New("strategy: store unavailable")
	// ErrLocked reports that another learner run holds the run lock.
	ErrLocked = errors.New("strategy: run lock held")
)

// PersonaStrategy is the learned state of one persona.
type PersonaStrategy struct {
	Persona          string    `json:"persona_name"`
	EngagementWeight float64   `json:"engagement_weight"`
	ThreatWeight     float64   `json:"threat_weight"`
	UsageCount       int64     `json:"usage_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Combined is the score the live engine compares personas by.
func (s PersonaStrategy) Combined() float64 { return s.EngagementWeight + s.ThreatWeight }

// SessionMetrics summarises one completed session.
type SessionMetrics struct {
	SessionID        string    `json:"session_id"`
	ClientIP         string    `json:"client_ip"`
	InitialPersona   string    `json:"initial_persona"`
	FinalPersona     string    `json:"final_persona"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	InteractionCount int       `json:"interaction_count"`
	EngagementScore  float64   `json:"engagement_score"`
	ThreatScore      float64   `json:"threat_score"`
	SuspiciousScore  float64   `json:"suspicious_score"`
	ThreatTags       []string  `json:"threat_tags"`
}

// PersonaEffectiveness describes one persona's stint within a session.
type PersonaEffectiveness struct {
	SessionID        string         `json:"session_id"`
	Persona          string         `json:"persona_name"`
	TimeSpentSeconds float64        `json:"time_spent_seconds"`
	Interactions     map[string]int `json:"interaction_count_by_protocol"`
}

// Total sums interactions over every protocol.
func (e PersonaEffectiveness) Total() int {
	n := 0
	for _, c := range e.Interactions {
		n += c
	}
	return n
}

// Credit is the share of a session's metrics attributed to one persona.
type Credit struct {
	Persona    string  `json:"persona"`
	Engagement float64 `json:"engagement"`
	Threat     float64 `json:"threat"`
}

// Smoothing holds the exponential smoothing constants.
type Smoothing struct {
	Decay float64
	Alpha float64
}

// Apply folds one credit into old: w' = Decay*w + Alpha*metric, usage+1.
// A zero-value old stands for a persona without a row.
func (s Smoothing) Apply(old PersonaStrategy, c Credit, now time.Time) PersonaStrategy {
	return PersonaStrategy{
		Persona:          c.Persona,
		EngagementWeight: s.Decay*old.EngagementWeight + s.Alpha*c.Engagement,
		ThreatWeight:     s.Decay*old.ThreatWeight + s.Alpha*c.Threat,
		UsageCount:       old.UsageCount + 1,
		UpdatedAt:        now.UTC(),
	}
}

// SessionUpdate is everything the learner writes for one session. Stores
// apply it atomically together with the processed marker.
type SessionUpdate struct {
	Metrics       SessionMetrics
	Effectiveness []PersonaEffectiveness
	Credits       []Credit
	Smoothing     Smoothing
	Source        string
}

// sortedCredits returns credits ordered by persona so concurrent writers lock
// rows in the same order.
func (u SessionUpdate) sortedCredits() []Credit {
	cs := append([]Credit(nil), u.Credits...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Persona < cs[j].Persona })
	return cs
}

// Reader is the read side the live engine needs.
type Reader interface {
	// Strategies returns the rows of the named personas. Personas without a
	// row are absent from the map.
	Strategies(ctx context.Context, names ...string) (map[string]PersonaStrategy, error)
}

// Store is a strategy backend.
type Store interface {
	Reader
	ListStrategies(ctx context.Context) ([]PersonaStrategy, error)
	// ApplySession applies u unless its session was already processed;
	// applied reports which.
	ApplySession(ctx context.Context, u SessionUpdate) (applied bool, err error)
	IsProcessed(ctx context.Context, sessionID string) (bool, error)
	// AcquireRunLock takes the learner run lock or fails with ErrLocked.
	AcquireRunLock(ctx context.Context, owner string) (RunLock, error)
	Ping(ctx context.Context) error
	Close() error
}

// RunLock is a held learner run lock. Lease-based locks expire after the
// store's lock TTL unless refreshed.
type RunLock interface {
	// Refresh extends the lease by the lock TTL. It fails with ErrLocked
	// once the lock has been taken over.
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type runLock struct {
	refresh func(context.Context) error
	release func(context.Context) error
}

func (l runLock) Refresh(ctx context.Context) error {
	if l.refresh == nil {
		return nil
	}
	return l.refresh(ctx)
}

func (l runLock) Release(ctx context.Context) error { return l.release(ctx) }

func sortStrategies(s []PersonaStrategy) {
	sort.Slice(s, func(i, j int) bool { return s[i].Persona < s[j].Persona })
}

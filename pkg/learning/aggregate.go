// Package learning turns closed session records into learned persona weights.
package learning

import (
	"sort"
	"strings"
	"time"

	"personashift/pkg/sessionlog"
	"personashift/pkg/strategy"
)

// DurationScale is the duration (s) at which the duration term reaches half
// of its bound.
const DurationScale = 3600.0

// DefaultTagBonus is the high-risk tag table. Keys are lower case.
var DefaultTagBonus = map[string]int{
	"exfil":                1,
	"data_exfil":           1,
	"priv-esc":             1,
	"privilege_escalation": 1,
	"c2":                   1,
	"ransomware":           1,
	"sql-injection":        1,
	"bruteforce":           1,
	"exploit":              1,
	"persistence":          1,
	"lateral_movement":     1,
}

// DurationTerm is 0.5*d/(d+3600): monotonic, 0 for d <= 0, bounded below 0.5.
func DurationTerm(seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return 0.5 * seconds / (seconds + DurationScale)
}

// Aggregator computes per-session scores.
type Aggregator struct {
	bonus map[string]int
}

// NewAggregator uses bonus as the tag table; nil selects DefaultTagBonus.
// Non-positive entries are ignored.
func NewAggregator(bonus map[string]int) *Aggregator {
	if bonus == nil {
		bonus = DefaultTagBonus
	}
	b := make(map[string]int, len(bonus))
	for k, v := range bonus {
		if v > 0 {
			b[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return &Aggregator{bonus: b}
}

func (a *Aggregator) EngagementScore(interactions int, durationSeconds float64) float64 {
	return float64(interactions) + DurationTerm(durationSeconds)
}

// ThreatScore adds one bonus per distinct known tag to suspicious.
func (a *Aggregator) ThreatScore(suspicious float64, tags []string) float64 {
	score := suspicious
	for _, t := range distinctTags(tags) {
		score += float64(a.bonus[t])
	}
	return score
}

// Metrics summarises s. finalPersona is the persona active at session end.
func (a *Aggregator) Metrics(s sessionlog.Session, initialPersona, finalPersona string) strategy.SessionMetrics {
	return strategy.SessionMetrics{
		SessionID:        s.ID,
		ClientIP:         s.ClientIP,
		InitialPersona:   initialPersona,
		FinalPersona:     finalPersona,
		StartTime:        s.Start,
		EndTime:          s.End,
		DurationSeconds:  s.DurationSeconds,
		InteractionCount: len(s.Interactions),
		EngagementScore:  a.EngagementScore(len(s.Interactions), s.DurationSeconds),
		ThreatScore:      a.ThreatScore(s.SuspiciousScore, s.ThreatTags),
		SuspiciousScore:  s.SuspiciousScore,
		ThreatTags:       distinctTags(s.ThreatTags),
	}
}

func distinctTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

type segment struct {
	persona string
	from    time.Time
}

// Effectiveness splits s into one row per visited persona, in order of first
// visit. Interactions are credited to the persona active at their timestamp;
// untimed ones to the persona active at session end. defaultPersona stands in
// when the record names no initial persona. It returns the rows and the
// initial and final personas.
func Effectiveness(s sessionlog.Session, defaultPersona string) (rows []strategy.PersonaEffectiveness, initial, final string) {
	initial = s.InitialPersona
	if initial == "" {
		initial = defaultPersona
	}
	segs := []segment{{persona: initial, from: s.Start}}
	for _, t := range s.Transitions {
		prev := segs[len(segs)-1]
		if t.New == prev.persona {
			continue
		}
		from := t.Timestamp
		if from.Before(prev.from) {
			from = prev.from
		}
		segs = append(segs, segment{persona: t.New, from: from})
	}
	final = segs[len(segs)-1].persona

	idx := map[string]int{}
	row := func(p string) *strategy.PersonaEffectiveness {
		i, ok := idx[p]
		if !ok {
			i = len(rows)
			idx[p] = i
			rows = append(rows, strategy.PersonaEffectiveness{SessionID: s.ID, Persona: p, Interactions: map[string]int{}})
		}
		return &rows[i]
	}

	end := s.End
	if end.IsZero() && !s.Start.IsZero() && s.DurationSeconds > 0 {
		end = s.Start.Add(time.Duration(s.DurationSeconds * float64(time.Second)))
	}
	for i, seg := range segs {
		r := row(seg.persona)
		until := end
		if i+1 < len(segs) {
			until = segs[i+1].from
		}
		if !seg.from.IsZero() && !until.IsZero() && until.After(seg.from) {
			r.TimeSpentSeconds += until.Sub(seg.from).Seconds()
		}
	}
	if len(segs) == 1 && rows[0].TimeSpentSeconds == 0 {
		rows[0].TimeSpentSeconds = s.DurationSeconds
	}

	for _, it := range s.Interactions {
		p := final
		if !it.At.IsZero() {
			p = activeAt(segs, it.At)
		}
		row(p).Interactions[it.Protocol]++
	}
	return rows, initial, final
}

func activeAt(segs []segment, at time.Time) string {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].from.After(at) })
	if i == 0 {
		return segs[0].persona
	}
	return segs[i-1].persona
}

package learning

import (
	"fmt"

	"personashift/pkg/strategy"
)

// Attribution decides how a session's scores are shared among the personas
// it visited.
type Attribution string

const (
	// Proportional shares by interactions while active, then by time spent,
	// then equally.
	Proportional Attribution = "proportional"
	// Final credits the whole session to the persona active at its end.
	Final Attribution = "final"
	// Full credits the whole session to every visited persona.
	Full Attribution = "full"
)

func ParseAttribution(s string) (Attribution, error) {
	switch a := Attribution(s); a {
	case Proportional, Final, Full:
		return a, nil
	case "":
		return Proportional, nil
	}
	return "", fmt.Errorf("unknown attribution policy %q", s)
}

// Credits returns one credit per visited persona, in the order of rows.
// Every visited persona gets a row even when its share is 0.
func (a Attribution) Credits(m strategy.SessionMetrics, rows []strategy.PersonaEffectiveness, final string) []strategy.Credit {
	out := make([]strategy.Credit, 0, len(rows))
	shares := a.shares(rows, final)
	for i, r := range rows {
		out = append(out, strategy.Credit{
			Persona:    r.Persona,
			Engagement: m.EngagementScore * shares[i],
			Threat:     m.ThreatScore * shares[i],
		})
	}
	return out
}

func (a Attribution) shares(rows []strategy.PersonaEffectiveness, final string) []float64 {
	shares := make([]float64, len(rows))
	switch a {
	case Full:
		for i := range shares {
			shares[i] = 1
		}
		return shares
	case Final:
		for i, r := range rows {
			if r.Persona == final {
				shares[i] = 1
			}
		}
		return shares
	}

	var interactions, seconds float64
	for _, r := range rows {
		interactions += float64(r.Total())
		seconds += r.TimeSpentSeconds
	}
	for i, r := range rows {
		switch {
		case interactions > 0:
			shares[i] = float64(r.Total()) / interactions
		case seconds > 0:
			shares[i] = r.TimeSpentSeconds / seconds
		default:
			shares[i] = 1 / float64(len(rows))
		}
	}
	return shares
}

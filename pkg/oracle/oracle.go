// Package oracle defines the switch/stay decision capability the deception
// engine consults, and its model-backed implementation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"personashift/pkg/circuitbreaker"
)

// Action is the oracle's verdict.
type Action string

const (
	ActionStay   Action = "stay"
	ActionSwitch Action = "switch"
)

var (
	// ErrUnavailable covers every failure the caller should answer with the
	// heuristic fallback. The other errors wrap it.
	ErrUnavailable       = errors.New("oracle unavailable")
	ErrDisabled          = fmt.Errorf("%w: disabled", ErrUnavailable)
	ErrMalformedDecision = fmt.Errorf("%w: malformed decision", ErrUnavailable)
	ErrCircuitOpen       = fmt.Errorf("%w: %w", ErrUnavailable, circuitbreaker.ErrCircuitOpen)
)

// Interaction is one attacker command or request.
type Interaction struct {
	Protocol string    `json:"protocol"`
	Content  string    `json:"content"`
	At       time.Time `json:"at"`
}

// Request is the context handed to the oracle.
type Request struct {
	SessionID      string
	CurrentPersona string
	Personas       []string
	Window         []Interaction
}

type Decision struct {
	Action     Action `json:"action"`
	NewPersona string `json:"new_persona,omitempty"`
	Reason     string `json:"reason"`
}

// Oracle decides whether a session should change persona. Implementations
// must honour ctx cancellation.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, req Request) (Decision, error)

func (f Func) Decide(ctx context.Context, req Request) (Decision, error) { return f(ctx, req) }

// Disabled always reports ErrDisabled.
type Disabled struct{}

func (Disabled) Decide(context.Context, Request) (Decision, error) {
	return Decision{}, ErrDisabled
}

type rawDecision struct {
	Action     string `json:"action"`
	NewPersona string `json:"new_persona"`
	Reason     string `json:"reason"`
}

// ParseDecision decodes a model reply. Markdown code fences, prose around the
// JSON object and single-quoted JSON are tolerated.
func ParseDecision(raw string) (Decision, error) {
	body := stripFences(strings.TrimSpace(raw))
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var rd rawDecision
	if err := json.Unmarshal([]byte(body), &rd); err != nil {
		if err2 := json.Unmarshal([]byte(strings.ReplaceAll(body, "'", `"`)), &rd); err2 != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
		}
	}

	d := Decision{
		Action:     Action(strings.ToLower(strings.TrimSpace(rd.Action))),
		NewPersona: strings.TrimSpace(rd.NewPersona),
		Reason:     strings.TrimSpace(rd.Reason),
	}
	switch d.Action {
	case ActionStay:
		d.NewPersona = ""
	case ActionSwitch:
		if d.NewPersona == "" {
			return Decision{}, fmt.Errorf("%w: switch without new_persona", ErrMalformedDecision)
		}
	case "":
		return Decision{}, fmt.Errorf("%w: missing action", ErrMalformedDecision)
	default:
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, rd.Action)
	}
	return d, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if lang := strings.TrimSpace(s[:nl]); !strings.ContainsAny(lang, "{}") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const systemPrompt = "You are an adaptive deception engine for a cybersecurity honeypot. " +
	"You decide whether to shift the simulated system persona based on attacker behavior. " +
	"Always output STRICT JSON only."

// BuildPrompt renders the user message for a request, using the trailing
// contextSize interactions.
func BuildPrompt(req Request, contextSize int) string {
	window := req.Window
	if contextSize > 0 && len(window) > contextSize {
		window = window[len(window)-contextSize:]
	}
	var b strings.Builder
	b.WriteString("Attacker interactions so far:\n")
	if len(window) == 0 {
		b.WriteString("(no interactions yet)\n")
	}
	for _, it := range window {
		fmt.Fprintf(&b, "[%s] %s\n", it.Protocol, it.Content)
	}
	fmt.Fprintf(&b, "\nCurrent persona: %s\n", req.CurrentPersona)
	if len(req.Personas) > 0 {
		fmt.Fprintf(&b, "Available personas: %s\n", strings.Join(req.Personas, ", "))
	}
	b.WriteString("Decide if we should switch persona. Respond with JSON:\n")
	b.WriteString(`{"action": "stay" | "switch", "new_persona": "name if switching", "reason": "short justification"}`)
	return b.String()
}

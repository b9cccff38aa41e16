package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Protocols an interaction can arrive over.
const (
	ProtocolSSH = "ssh"
	ProtocolWeb = "web"
)

// Interaction is a normalised command or request.
type Interaction struct {
	At       time.Time
	Protocol string
	Text     string
	Category string
}

// Session is a record normalised for the learner.
type Session struct {
	ID              string
	ClientIP        string
	Username        string
	Start           time.Time
	End             time.Time
	DurationSeconds float64
	Interactions    []Interaction
	ThreatTags      []string
	SuspiciousScore float64
	InitialPersona  string
	Transitions     []Transition
	Path            string
}

type rawCommand struct {
	Timestamp Timestamp `json:"timestamp"`
	Command   string    `json:"command"`
	Category  string    `json:"category"`
}

type rawHTTP struct {
	Timestamp Timestamp `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Route     string    `json:"route"`
	Category  string    `json:"category"`
}

type rawTransition struct {
	Timestamp Timestamp `json:"timestamp"`
	Previous  string    `json:"previous"`
	From      string    `json:"from"`
	New       string    `json:"new"`
	To        string    `json:"to"`
	Persona   string    `json:"persona"`
	Reason    string    `json:"reason"`
	Modules   []string  `json:"modules"`
}

type rawTimeline struct {
	Time      Timestamp `json:"time"`
	Timestamp Timestamp `json:"timestamp"`
	Type      string    `json:"type"`
	Command   string    `json:"command"`
	Route     string    `json:"route"`
}

type rawRecord struct {
	SessionID            string          `json:"session_id"`
	ID                   string          `json:"id"`
	ClientIP             string          `json:"client_ip"`
	IP                   string          `json:"ip"`
	RemoteIP             string          `json:"remote_ip"`
	Username             string          `json:"username"`
	StartTime            Timestamp       `json:"start_time"`
	EndTime              Timestamp       `json:"end_time"`
	DurationSeconds      *Number         `json:"duration_seconds"`
	Commands             []rawCommand    `json:"commands"`
	HTTPRequests         []rawHTTP       `json:"http_requests"`
	ThreatTags           Tags            `json:"threat_tags"`
	SuspiciousScore      Number          `json:"suspicious_score"`
	InitialPersona       string          `json:"initial_persona"`
	DeceptionTransitions []rawTransition `json:"deception_transitions"`
	PersonaTransitions   []rawTransition `json:"persona_transitions"`
	Timeline             []rawTimeline   `json:"timeline"`
}

// Parse normalises one record. Missing optional fields are tolerated; a
// record without an id or with invalid JSON is ErrMalformedRecord.
func Parse(b []byte) (Session, error) {
	var r rawRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	s := Session{
		ID:              firstNonEmpty(r.SessionID, r.ID),
		ClientIP:        firstNonEmpty(r.ClientIP, r.IP, r.RemoteIP),
		Username:        r.Username,
		Start:           r.StartTime.Time,
		End:             r.EndTime.Time,
		ThreatTags:      r.ThreatTags,
		SuspiciousScore: float64(r.SuspiciousScore),
		InitialPersona:  r.InitialPersona,
	}
	if s.ID == "" {
		return Session{}, fmt.Errorf("%w: no session id", ErrMalformedRecord)
	}

	for _, c := range r.Commands {
		s.Interactions = append(s.Interactions, Interaction{At: c.Timestamp.Time, Protocol: ProtocolSSH, Text: c.Command, Category: c.Category})
	}
	for _, h := range r.HTTPRequests {
		text := strings.TrimSpace(h.Method + " " + firstNonEmpty(h.Path, h.Route))
		s.Interactions = append(s.Interactions, Interaction{At: h.Timestamp.Time, Protocol: ProtocolWeb, Text: text, Category: h.Category})
	}
	if len(s.Interactions) == 0 {
		for _, e := range r.Timeline {
			at := e.Time.Time
			if at.IsZero() {
				at = e.Timestamp.Time
			}
			proto := ProtocolSSH
			switch strings.ToUpper(e.Type) {
			case "HTTP", "WEB":
				proto = ProtocolWeb
			}
			s.Interactions = append(s.Interactions, Interaction{At: at, Protocol: proto, Text: firstNonEmpty(e.Command, e.Route)})
		}
	}
	// Untimed interactions go last, in file order.
	sort.SliceStable(s.Interactions, func(i, j int) bool {
		a, b := s.Interactions[i].At, s.Interactions[j].At
		switch {
		case a.IsZero():
			return false
		case b.IsZero():
			return true
		}
		return a.Before(b)
	})

	transitions := r.DeceptionTransitions
	if len(transitions) == 0 {
		transitions = r.PersonaTransitions
	}
	for _, t := range transitions {
		next := firstNonEmpty(t.New, t.To, t.Persona)
		if next == "" {
			continue
		}
		s.Transitions = append(s.Transitions, Transition{
			Timestamp: t.Timestamp.Time,
			Previous:  firstNonEmpty(t.Previous, t.From),
			New:       next,
			Reason:    t.Reason,
			Modules:   t.Modules,
		})
	}
	sort.SliceStable(s.Transitions, func(i, j int) bool { return s.Transitions[i].Timestamp.Before(s.Transitions[j].Timestamp) })

	if s.InitialPersona == "" && len(s.Transitions) > 0 {
		s.InitialPersona = s.Transitions[0].Previous
	}

	if s.End.IsZero() {
		s.End = lastActivity(s)
	}
	switch {
	case r.DurationSeconds != nil && *r.DurationSeconds > 0:
		s.DurationSeconds = float64(*r.DurationSeconds)
	case !s.Start.IsZero() && s.End.After(s.Start):
		s.DurationSeconds = s.End.Sub(s.Start).Seconds()
	}
	return s, nil
}

func lastActivity(s Session) time.Time {
	var last time.Time
	for _, it := range s.Interactions {
		if it.At.After(last) {
			last = it.At
		}
	}
	for _, t := range s.Transitions {
		if t.Timestamp.After(last) {
			last = t.Timestamp
		}
	}
	return last
}

// ReadFile parses the record at path. Unreadable files are reported as
// ErrMalformedRecord so a batch can skip them.
func ReadFile(path string) (Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	s, err := Parse(b)
	if err != nil {
		return Session{}, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Discover lists session_*.json files directly inside each directory.
// Missing directories are skipped; a file reachable through two directories
// is listed once.
func Discover(dirs ...string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			path := filepath.Join(dir, name)
			key := path
			if abs, err := filepath.Abs(path); err == nil {
				key = abs
			}
			if resolved, err := filepath.EvalSymlinks(key); err == nil {
				key = resolved
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, path)
		}
	}
	return out, nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Package sessionlog reads and writes the per-session JSON records that
// connect the live engine to the learner.
package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"personashift/pkg/persona"
)

var ErrMalformedRecord = errors.New("malformed session record")

// Command is one terminal command and the synthetic reply it got.
type Command struct {
	Timestamp     time.Time `json:"timestamp"`
	Command       string    `json:"command"`
	Output        string    `json:"output"`
	Category      string    `json:"category"`
	CommandLength int       `json:"command_length"`
	OutputLength  int       `json:"output_length"`
}

// HTTPRequest is one request served by the web decoy.
type HTTPRequest struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Query     string    `json:"query,omitempty"`
	Category  string    `json:"category"`
	Status    int       `json:"response_status,omitempty"`
	Persona   string    `json:"persona,omitempty"`
}

// Transition mirrors a committed persona change.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	Previous  string    `json:"previous"`
	New       string    `json:"new"`
	Reason    string    `json:"reason"`
	Modules   []string  `json:"modules"`
}

// Record is the document written for each closed session.
type Record struct {
	SessionID            string           `json:"session_id"`
	ClientIP             string           `json:"client_ip"`
	Username             string           `json:"username"`
	StartTime            time.Time        `json:"start_time"`
	EndTime              time.Time        `json:"end_time"`
	DurationSeconds      float64          `json:"duration_seconds"`
	TotalCommands        int              `json:"total_commands"`
	Commands             []Command        `json:"commands"`
	HTTPRequests         []HTTPRequest    `json:"http_requests"`
	ThreatTags           []string         `json:"threat_tags"`
	SuspiciousScore      float64          `json:"suspicious_score"`
	ThreatLevel          string           `json:"threat_level"`
	SessionSummary       string           `json:"session_summary"`
	InitialPersona       string           `json:"initial_persona"`
	FinalPersona         string           `json:"final_persona,omitempty"`
	PersonaMetadata      persona.Snapshot `json:"persona_metadata"`
	DeceptionTransitions []Transition     `json:"deception_transitions"`
}

// FileName is session_<start yyyymmdd_hhmmss>_<ip>_<first 8 of id>.json.
func FileName(r Record) string {
	ts := r.StartTime
	if ts.IsZero() {
		ts = time.Now()
	}
	ip := strings.NewReplacer(".", "_", ":", "_", "/", "_").Replace(r.ClientIP)
	if ip == "" {
		ip = "unknown"
	}
	id := r.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("session_%s_%s_%s.json", ts.UTC().Format("20060102_150405"), ip, id)
}

// Timestamp decodes the timestamp spellings found in session records: RFC
// 3339, ISO-8601 without zone (taken as UTC), "YYYY-MM-DD HH:MM:SS", and unix
// seconds. Unparseable values decode to the zero time.
type Timestamp struct{ time.Time }

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return unixFloat(f), true
	}
	return time.Time{}, false
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		t.Time, _ = ParseTime(x)
	case float64:
		if x > 0 {
			t.Time = unixFloat(x)
		}
	default:
		t.Time = time.Time{}
	}
	return nil
}

// Number accepts a JSON number or a numeric string; anything else is 0.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*n = Number(x)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err == nil {
			*n = Number(f)
		}
	}
	return nil
}

// Tags accepts a list of strings (non-strings dropped) or a comma separated string.
type Tags []string

func (tg *Tags) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	var out []string
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	*tg = out
	return nil
}

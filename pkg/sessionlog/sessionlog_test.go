package sessionlog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	r := Record{
		SessionID: "abcdef0123456789",
		ClientIP:  "10.0.0.7",
		StartTime: time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC),
	}
	assert.Equal(t, "session_20240309_140506_10_0_0_7_abcdef01.json", FileName(r))

	r.ClientIP = "::1"
	r.SessionID = "abc"
	assert.Equal(t, "session_20240309_140506___1_abc.json", FileName(r))
}

func TestWriteThenReadFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)
	rec := Record{
		SessionID:      "s-1",
		ClientIP:       "192.168.1.4",
		StartTime:      start,
		EndTime:        start.Add(90 * time.Second),
		InitialPersona: "Linux Dev Server",
		Commands: []Command{
			{Timestamp: start.Add(10 * time.Second), Command: "ls", Output: "a b", Category: "recon"},
			{Timestamp: start.Add(20 * time.Second), Command: "mysql -u root", Output: "", Category: "exploit"},
		},
		ThreatTags:      []string{"recon", "exploit"},
		SuspiciousScore: 4,
		DeceptionTransitions: []Transition{
			{Timestamp: start.Add(30 * time.Second), Previous: "Linux Dev Server", New: "MySQL Backend", Reason: "Detected database probing"},
		},
	}

	path, err := NewWriter(dir).Write(rec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName(rec)), path)

	s, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, "192.168.1.4", s.ClientIP)
	assert.Equal(t, 90.0, s.DurationSeconds)
	require.Len(t, s.Interactions, 2)
	assert.Equal(t, ProtocolSSH, s.Interactions[0].Protocol)
	assert.Equal(t, "ls", s.Interactions[0].Text)
	require.Len(t, s.Transitions, 1)
	assert.Equal(t, "MySQL Backend", s.Transitions[0].New)
	assert.Equal(t, 4.0, s.SuspiciousScore)
	assert.Equal(t, path, s.Path)
}

func TestParseLegacyAliases(t *testing.T) {
	body := `{
		"id": "legacy-1",
		"remote_ip": "1.2.3.4",
		"start_time": "2024-01-01T10:00:00.123456",
		"end_time": "2024-01-01 10:10:00.123456",
		"http_requests": [{"timestamp": "2024-01-01T10:01:00", "method": "GET", "path": "/wp-admin"}],
		"threat_tags": "sql-injection, bruteforce",
		"suspicious_score": "2.5",
		"persona_transitions": [{"timestamp": 1704103500, "from": "Linux Dev Server", "to": "Vulnerable Web CMS"}]
	}`
	s, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", s.ID)
	assert.Equal(t, "1.2.3.4", s.ClientIP)
	assert.Equal(t, 600.0, s.DurationSeconds)
	require.Len(t, s.Interactions, 1)
	assert.Equal(t, ProtocolWeb, s.Interactions[0].Protocol)
	assert.Equal(t, "GET /wp-admin", s.Interactions[0].Text)
	assert.Equal(t, []string{"sql-injection", "bruteforce"}, s.ThreatTags)
	assert.Equal(t, 2.5, s.SuspiciousScore)
	require.Len(t, s.Transitions, 1)
	assert.Equal(t, "Vulnerable Web CMS", s.Transitions[0].New)
	assert.Equal(t, "Linux Dev Server", s.InitialPersona)
	assert.Equal(t, time.Unix(1704103500, 0).UTC(), s.Transitions[0].Timestamp)
}

func TestParseTimelineFallback(t *testing.T) {
	body := `{"session_id": "t-1", "timeline": [
		{"time": "2024-01-01T10:00:05Z", "type": "SSH", "command": "uname -a"},
		{"time": "2024-01-01T10:00:01Z", "type": "HTTP", "route": "/admin"}
	]}`
	s, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Len(t, s.Interactions, 2)
	assert.Equal(t, ProtocolWeb, s.Interactions[0].Protocol)
	assert.Equal(t, ProtocolSSH, s.Interactions[1].Protocol)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC), s.End)
}

func TestParseToleratesBadTimestamps(t *testing.T) {
	s, err := Parse([]byte(`{"session_id": "x", "start_time": "yesterday", "duration_seconds": 12}`))
	require.NoError(t, err)
	assert.True(t, s.Start.IsZero())
	assert.Equal(t, 12.0, s.DurationSeconds)
}

func TestParseOrdersUntimedInteractionsLast(t *testing.T) {
	s, err := Parse([]byte(`{"session_id": "mix", "commands": [
		{"command": "untimed-1"},
		{"timestamp": "2024-01-01T10:00:09Z", "command": "late"},
		{"command": "untimed-2", "timestamp": "not a time"},
		{"timestamp": "2024-01-01T10:00:01Z", "command": "early"}
	]}`))
	require.NoError(t, err)
	var order []string
	for _, it := range s.Interactions {
		order = append(order, it.Text)
	}
	assert.Equal(t, []string{"early", "late", "untimed-1", "untimed-2"}, order)
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":  `{"session_id": `,
		"missing id":    `{"client_ip": "1.1.1.1"}`,
		"wrong shape":   `{"session_id": "a", "commands": "ls"}`,
		"not an object": `[1, 2]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.True(t, errors.Is(err, ErrMalformedRecord), "got %v", err)
		})
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	sessions := filepath.Join(root, "sessions")
	require.NoError(t, os.MkdirAll(sessions, 0o755))

	write := func(dir, name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{}`), 0o600))
	}
	write(sessions, "session_a.json")
	write(sessions, "notes.txt")
	write(root, "session_b.json")
	write(root, "ledger.json")

	paths, err := Discover(sessions, root, sessions, filepath.Join(root, "missing"), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(sessions, "session_a.json"),
		filepath.Join(root, "session_b.json"),
	}, paths)
}

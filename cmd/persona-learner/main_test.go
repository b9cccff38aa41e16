package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"personashift/pkg/learning"
	"personashift/pkg/sessionlog"
	"personashift/pkg/strategy"
)

func TestRunAndWeightsCommands(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "sessions")
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := sessionlog.NewWriter(logs).Write(sessionlog.Record{
		SessionID:      "0123456789abcdef",
		ClientIP:       "192.0.2.1",
		StartTime:      start,
		EndTime:        start.Add(10 * time.Minute),
		Commands:       []sessionlog.Command{{Timestamp: start.Add(time.Minute), Command: "uname -a"}},
		ThreatTags:     []string{"bruteforce"},
		InitialPersona: "Linux Dev Server",
	})
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "personashift.yaml")
	body := "store:\n  backend: json\n  json_path: " + filepath.Join(dir, "strategy.json") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--config", cfgPath, "--dir", logs})
	require.NoError(t, cmd.Execute())

	var sum learning.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sum))
	assert.Equal(t, 1, sum.Seen)
	assert.Equal(t, 1, sum.Applied)
	assert.Equal(t, []string{"Linux Dev Server"}, sum.UpdatedPersonas)

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"weights", "--config", cfgPath})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Linux Dev Server")
	assert.Contains(t, out.String(), "ENGAGEMENT")
}

func TestMigrateRejectsNonSQLBackend(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "personashift.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  backend: memory\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "up", "--config", cfgPath})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no SQL schema")
}

func TestMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "personashift.yaml")
	body := "store:\n  backend: sqlite\n  sqlite_path: " + filepath.Join(dir, "p.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"migrate", "up", "--config", cfgPath})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "dirty: false")
}

func TestPrintWeights(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printWeights(&out, []strategy.PersonaStrategy{{Persona: "IoT Hub", EngagementWeight: 1.5, UsageCount: 2}}))
	assert.Contains(t, out.String(), "IoT Hub")
	assert.Contains(t, out.String(), "1.5000")
}

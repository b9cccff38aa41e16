package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Deception.EvalInterval)
	assert.Equal(t, "advisory", cfg.Deception.BiasMode)
	assert.Equal(t, 0.98, cfg.Learning.Decay)
	assert.Equal(t, 8*time.Second, cfg.Oracle.Timeout)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestValidateRejectsZeroInterval(t *testing.T) {
	cfg := Default()
	cfg.Deception.EvalInterval = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eval_interval")
}

func TestValidateRejectsNegativeSmoothing(t *testing.T) {
	cfg := Default()
	cfg.Learning.Alpha = -0.1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	cfg := Default()
	cfg.Deception.BiasMode = "veto"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Backend = "cassandra"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Backend = "postgres"
	require.Error(t, cfg.Validate())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "personashift.yaml")
	body := "deception:\n  eval_interval: 5\nlearning:\n  decay: 0.9\n  alpha: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("PERSONASHIFT_LEARNING_ALPHA", "0.3")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Deception.EvalInterval)
	assert.Equal(t, 0.9, cfg.Learning.Decay)
	assert.Equal(t, 0.3, cfg.Learning.Alpha)
	assert.Equal(t, "sk-test", cfg.Oracle.APIKey)
}

func TestGet(t *testing.T) {
	t.Setenv("PERSONASHIFT_TEST_KEY", "x")
	assert.Equal(t, "x", Get("PERSONASHIFT_TEST_KEY", "d"))
	assert.Equal(t, "d", Get("PERSONASHIFT_MISSING_KEY", "d"))
}

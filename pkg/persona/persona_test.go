package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, 6, c.Len())
	assert.Equal(t, DefaultName, c.Names()[0])

	for _, name := range []string{"IoT Hub", "MySQL Backend", "Internal API", "C2 Panel", "Vulnerable Web CMS"} {
		assert.True(t, c.Has(name), name)
	}

	db, ok := c.Get("MySQL Backend")
	require.True(t, ok)
	assert.Equal(t, []string{"ssh", "web", "db"}, db.Modules)
	prompt, ok := db.Prompt(SSH)
	require.True(t, ok)
	assert.Contains(t, prompt, "MySQL")
}

func TestCatalogReturnsCopies(t *testing.T) {
	c := DefaultCatalog()
	p, _ := c.Get("IoT Hub")
	p.Modules[0] = "telnet"
	p.Metadata["firmware"] = "evil"

	again, _ := c.Get("IoT Hub")
	assert.Equal(t, "ssh", again.Modules[0])
	assert.Equal(t, "v3.2.1", again.Metadata["firmware"])
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(Persona{Name: "a"}, Persona{Name: "a"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = NewCatalog(Persona{})
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestLookupUnknown(t *testing.T) {
	_, err := DefaultCatalog().Lookup("Mainframe")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromptMissingProtocol(t *testing.T) {
	p := Persona{Name: "x", Prompts: []PromptOverride{{Protocol: SSH, Text: "shell"}}}
	_, ok := p.Prompt(Web)
	assert.False(t, ok)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	body := `personas:
  - name: Linux Dev Server
    prompts:
      sshOverride: "bash prompt"
      webOverride: "intranet"
    modules: [ssh, web]
    metadata:
      os: Debian 12
  - name: Printer
    prompts:
      web: "printer panel"
    modules: [web]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Linux Dev Server", "Printer"}, c.Names())

	printer, _ := c.Get("Printer")
	text, ok := printer.Prompt(Web)
	require.True(t, ok)
	assert.Equal(t, "printer panel", text)
	_, ok = printer.Prompt(SSH)
	assert.False(t, ok)
}

func TestParseJSONList(t *testing.T) {
	c, err := Parse([]byte(`[{"name":"Router","prompts":{"sshOverride":"cisco"},"modules":["ssh"],"metadata":{"vendor":"acme"}}]`))
	require.NoError(t, err)
	r, ok := c.Get("Router")
	require.True(t, ok)
	assert.Equal(t, "acme", r.Metadata["vendor"])
}

func TestParseMetadataIsStringValued(t *testing.T) {
	c, err := Parse([]byte(`[{"name":"Camera","modules":["web"],"metadata":{"ports":8080,"ptz":true,"model":"IPC-2"}}]`))
	require.NoError(t, err)
	cam, _ := c.Get("Camera")
	assert.Equal(t, map[string]string{"ports": "8080", "ptz": "true", "model": "IPC-2"}, cam.Metadata)

	_, err = Parse([]byte(`[{"name":"Camera","metadata":{"streams":["main","sub"]}}]`))
	require.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse([]byte(`personas: []`))
	require.Error(t, err)
}

func TestLoadDefaultsWithoutPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, c.Len())
}

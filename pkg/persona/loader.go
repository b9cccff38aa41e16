package persona

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// definition is the on-disk persona schema. JSON documents decode through the
// same path since yaml.v3 accepts them.
type definition struct {
	Name    string `yaml:"name"`
	Prompts struct {
		SSHOverride string `yaml:"sshOverride"`
		WebOverride string `yaml:"webOverride"`
		SSH         string `yaml:"ssh"`
		Web         string `yaml:"web"`
	} `yaml:"prompts"`
	Modules []string `yaml:"modules"`
	// Scalars decode to their text; lists and maps are rejected.
	Metadata map[string]string `yaml:"metadata"`
}

type document struct {
	Personas []definition `yaml:"personas"`
}

func (d definition) persona() Persona {
	p := Persona{Name: d.Name, Modules: d.Modules, Metadata: d.Metadata}
	if s := firstNonEmpty(d.Prompts.SSHOverride, d.Prompts.SSH); s != "" {
		p.Prompts = append(p.Prompts, PromptOverride{Protocol: SSH, Text: s})
	}
	if s := firstNonEmpty(d.Prompts.WebOverride, d.Prompts.Web); s != "" {
		p.Prompts = append(p.Prompts, PromptOverride{Protocol: Web, Text: s})
	}
	return p
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

// Parse decodes a persona document: either {personas: [...]} or a bare list.
func Parse(b []byte) (*Catalog, error) {
	var defs []definition
	var doc document
	if err := yaml.Unmarshal(b, &doc); err == nil && len(doc.Personas) > 0 {
		defs = doc.Personas
	} else if err := yaml.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("decode personas: %w", err)
	}
	if len(defs) == 0 {
		return nil, errors.New("persona document defines no personas")
	}
	ps := make([]Persona, 0, len(defs))
	for _, d := range defs {
		ps = append(ps, d.persona())
	}
	return NewCatalog(ps...)
}

// LoadFromFile reads a catalog from a YAML or JSON file.
func LoadFromFile(path string) (*Catalog, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Load returns the file catalog when path is set and the built-in one otherwise.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	return LoadFromFile(path)
}

// Package persona holds the fictitious system identities a decoy can present
// and the catalog they are looked up in.
package persona

import (
	"errors"
	"fmt"
	"sort"
)

// Protocol names a decoy sub-protocol a prompt override applies to.
type Protocol string

const (
	SSH Protocol = "ssh"
	Web Protocol = "web"
)

// PromptOverride is the prompt fragment handed to the responder of one protocol.
type PromptOverride struct {
	Protocol Protocol `json:"protocol"`
	Text     string   `json:"text"`
}

// Persona is immutable once placed in a Catalog; lookups return copies.
type Persona struct {
	Name     string            `json:"name"`
	Prompts  []PromptOverride  `json:"prompts"`
	Modules  []string          `json:"modules"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Prompt returns the override for proto, if the persona defines one.
func (p Persona) Prompt(proto Protocol) (string, bool) {
	for _, o := range p.Prompts {
		if o.Protocol == proto {
			return o.Text, true
		}
	}
	return "", false
}

// Snapshot is the persona_metadata block embedded in session records.
type Snapshot struct {
	Name     string            `json:"name"`
	Modules  []string          `json:"modules"`
	Metadata map[string]string `json:"metadata"`
}

func (p Persona) Snapshot() Snapshot {
	c := p.clone()
	return Snapshot{Name: c.Name, Modules: c.Modules, Metadata: c.Metadata}
}

func (p Persona) clone() Persona {
	out := Persona{Name: p.Name}
	out.Prompts = append([]PromptOverride(nil), p.Prompts...)
	out.Modules = append([]string(nil), p.Modules...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

var (
	ErrDuplicate = errors.New("persona: duplicate name")
	ErrEmptyName = errors.New("persona: empty name")
	ErrNotFound  = errors.New("persona: not found")
)

// Catalog is a read-only registry of personas keyed by name. It keeps
// declaration order for listing.
type Catalog struct {
	order  []string
	byName map[string]Persona
}

func NewCatalog(personas ...Persona) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		if p.Name == "" {
			return nil, ErrEmptyName
		}
		if _, dup := c.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, p.Name)
		}
		c.byName[p.Name] = p.clone()
		c.order = append(c.order, p.Name)
	}
	return c, nil
}

// Get returns a copy of the named persona.
func (c *Catalog) Get(name string) (Persona, bool) {
	p, ok := c.byName[name]
	if !ok {
		return Persona{}, false
	}
	return p.clone(), true
}

// Lookup is Get returning ErrNotFound for unknown names.
func (c *Catalog) Lookup(name string) (Persona, error) {
	p, ok := c.Get(name)
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p, nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Names lists persona names in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Len() int { return len(c.order) }

// All returns copies of every persona in declaration order.
func (c *Catalog) All() []Persona {
	out := make([]Persona, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.byName[n].clone())
	}
	return out
}

// SortedNames lists persona names alphabetically.
func (c *Catalog) SortedNames() []string {
	names := c.Names()
	sort.Strings(names)
	return names
}

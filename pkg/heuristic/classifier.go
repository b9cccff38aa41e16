// Package heuristic maps recent attacker input to a candidate persona with an
// ordered keyword table. It has no dependencies and no side effects.
package heuristic

import "strings"

// DefaultLookback is how many trailing interactions the classifier reads.
const DefaultLookback = 5

// Rule switches to Persona when any keyword occurs in the lower-cased window.
type Rule struct {
	Name     string
	Keywords []string
	Persona  string
	Reason   string
}

// DefaultRules returns the stock rule table. Order is precedence.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "database",
			Keywords: []string{"sql", "database"},
			Persona:  "MySQL Backend",
			Reason:   "Detected database probing",
		},
		{
			Name:     "iot",
			Keywords: []string{"firmware", "device", "sensor"},
			Persona:  "IoT Hub",
			Reason:   "Detected IoT-oriented probing",
		},
		{
			Name:     "cms",
			Keywords: []string{"admin", "cms", "wp-"},
			Persona:  "Vulnerable Web CMS",
			Reason:   "Detected CMS/admin reconnaissance",
		},
	}
}

// Match is the outcome of a successful classification.
type Match struct {
	Rule    string
	Keyword string
	Persona string
	Reason  string
}

type Classifier struct {
	rules    []Rule
	lookback int
}

// New copies rules; lookback <= 0 means DefaultLookback.
func New(rules []Rule, lookback int) *Classifier {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	cp := make([]Rule, len(rules))
	for i, r := range rules {
		kw := make([]string, len(r.Keywords))
		for j, k := range r.Keywords {
			kw[j] = strings.ToLower(k)
		}
		r.Keywords = kw
		cp[i] = r
	}
	return &Classifier{rules: cp, lookback: lookback}
}

func Default() *Classifier { return New(DefaultRules(), DefaultLookback) }

// Rules returns a copy of the rule table.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Classify tests the trailing lookback entries of window against the rules.
// The first matching rule wins; ok is false when nothing matches.
func (c *Classifier) Classify(window []string) (m Match, ok bool) {
	if len(window) > c.lookback {
		window = window[len(window)-c.lookback:]
	}
	text := strings.ToLower(strings.Join(window, " "))
	if strings.TrimSpace(text) == "" {
		return Match{}, false
	}
	for _, r := range c.rules {
		for _, k := range r.Keywords {
			if k != "" && strings.Contains(text, k) {
				return Match{Rule: r.Name, Keyword: k, Persona: r.Persona, Reason: r.Reason}, true
			}
		}
	}
	return Match{}, false
}

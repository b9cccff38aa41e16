package sessionlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Writer stores closed session records in a directory.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer { return &Writer{dir: dir} }

func (w *Writer) Dir() string { return w.dir }

// Write stores r under FileName(r), replacing any previous version atomically.
func (w *Writer) Write(r Record) (string, error) {
	if r.SessionID == "" {
		return "", errors.New("session record without id")
	}
	if r.Commands == nil {
		r.Commands = []Command{}
	}
	if r.HTTPRequests == nil {
		r.HTTPRequests = []HTTPRequest{}
	}
	if r.ThreatTags == nil {
		r.ThreatTags = []string{}
	}
	if r.DeceptionTransitions == nil {
		r.DeceptionTransitions = []Transition{}
	}
	if r.ThreatLevel == "" {
		r.ThreatLevel = "UNKNOWN"
	}
	r.Commands = append([]Command(nil), r.Commands...)
	r.TotalCommands = len(r.Commands)
	for i := range r.Commands {
		r.Commands[i].CommandLength = len(r.Commands[i].Command)
		r.Commands[i].OutputLength = len(r.Commands[i].Output)
	}

	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", r.SessionID, err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", w.dir, err)
	}
	path := filepath.Join(w.dir, FileName(r))
	tmp, err := os.CreateTemp(w.dir, ".session-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write session %s: %w", r.SessionID, err)
	}
	return path, nil
}

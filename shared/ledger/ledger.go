package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is an append-only audit entry.
type Record struct {
	Timestamp string      `json:"ts"`
	Service   string      `json:"service"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// Entry is a Record read back from disk with its payload left undecoded.
type Entry struct {
	Timestamp string          `json:"ts"`
	Service   string          `json:"service"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AppendJSONLine appends a JSON line into the given file path, creating directories if necessary.
func AppendJSONLine(filePath string, service string, eventType string, data interface{}) error {
	if filePath == "" {
		return errors.New("filePath is empty")
	}
	if service == "" {
		service = "unknown"
	}
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   service,
		Type:      eventType,
		Data:      data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Writer serialises appends from concurrent goroutines to one ledger file.
type Writer struct {
	mu      sync.Mutex
	path    string
	service string
}

func NewWriter(path, service string) *Writer {
	return &Writer{path: path, service: service}
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Append(eventType string, data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return AppendJSONLine(w.path, w.service, eventType, data)
}

// ReadEntries returns every entry of the given type (all types when eventType
// is empty). A missing file yields no entries. Lines that fail to decode are skipped.
func ReadEntries(filePath, eventType string) ([]Entry, error) {
	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

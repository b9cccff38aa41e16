package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// document is the on-disk layout of the flat-file store.
type document struct {
	Strategies    map[string]PersonaStrategy `json:"persona_strategy"`
	Metrics       map[string]SessionMetrics  `json:"sessions_metrics"`
	Effectiveness []PersonaEffectiveness     `json:"persona_effectiveness"`
	Processed     map[string]time.Time       `json:"processed_sessions"`
}

func newDocument() document {
	return document{
		Strategies: map[string]PersonaStrategy{},
		Metrics:    map[string]SessionMetrics{},
		Processed:  map[string]time.Time{},
	}
}

// LocalStore keeps everything in memory and, when backed by a file, rewrites
// the file atomically after each applied session. Readers in other processes
// pick up changes by file modification time.
type LocalStore struct {
	mu      sync.RWMutex
	doc     document
	path    string
	modTime time.Time
	size    int64
	lockTTL time.Duration
	now     func() time.Time

	runMu   sync.Mutex
	running bool
}

func NewMemoryStore() *LocalStore {
	return &LocalStore{doc: newDocument(), now: time.Now}
}

// OpenJSONStore loads path if it exists.
func OpenJSONStore(path string, lockTTL time.Duration) (*LocalStore, error) {
	if path == "" {
		return nil, errors.New("json store path is empty")
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	s := &LocalStore{doc: newDocument(), path: path, lockTTL: lockTTL, now: time.Now}
	if err := s.refresh(true); err != nil {
		return nil, err
	}
	return s, nil
}

// refresh reloads the file when it changed on disk. Caller holds s.mu for writing.
func (s *LocalStore) refresh(force bool) error {
	if s.path == "" {
		return nil
	}
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !force && fi.ModTime().Equal(s.modTime) && fi.Size() == s.size {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	doc := newDocument()
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", s.path, err)
		}
	}
	if doc.Strategies == nil {
		doc.Strategies = map[string]PersonaStrategy{}
	}
	if doc.Metrics == nil {
		doc.Metrics = map[string]SessionMetrics{}
	}
	if doc.Processed == nil {
		doc.Processed = map[string]time.Time{}
	}
	s.doc = doc
	s.modTime, s.size = fi.ModTime(), fi.Size()
	return nil
}

func (s *LocalStore) persist() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.modTime, s.size = fi.ModTime(), fi.Size()
	}
	return nil
}

func (s *LocalStore) Strategies(_ context.Context, names ...string) (map[string]PersonaStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(false); err != nil {
		return nil, err
	}
	out := make(map[string]PersonaStrategy, len(names))
	for _, n := range names {
		if st, ok := s.doc.Strategies[n]; ok {
			out[n] = st
		}
	}
	return out, nil
}

func (s *LocalStore) ListStrategies(_ context.Context) ([]PersonaStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(false); err != nil {
		return nil, err
	}
	out := make([]PersonaStrategy, 0, len(s.doc.Strategies))
	for _, st := range s.doc.Strategies {
		out = append(out, st)
	}
	sortStrategies(out)
	return out, nil
}

func (s *LocalStore) IsProcessed(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(false); err != nil {
		return false, err
	}
	_, ok := s.doc.Processed[sessionID]
	return ok, nil
}

// SessionMetrics returns the stored metrics of a session.
func (s *LocalStore) SessionMetrics(sessionID string) (SessionMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.doc.Metrics[sessionID]
	return m, ok
}

// Effectiveness returns the stored effectiveness rows of a session.
func (s *LocalStore) Effectiveness(sessionID string) []PersonaEffectiveness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PersonaEffectiveness
	for _, e := range s.doc.Effectiveness {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (s *LocalStore) ApplySession(_ context.Context, u SessionUpdate) (bool, error) {
	if u.Metrics.SessionID == "" {
		return false, errors.New("session update without session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(false); err != nil {
		return false, err
	}
	if _, done := s.doc.Processed[u.Metrics.SessionID]; done {
		return false, nil
	}

	now := s.now()
	prev := s.doc
	next := document{
		Strategies:    make(map[string]PersonaStrategy, len(prev.Strategies)+len(u.Credits)),
		Metrics:       make(map[string]SessionMetrics, len(prev.Metrics)+1),
		Effectiveness: append(append([]PersonaEffectiveness(nil), prev.Effectiveness...), u.Effectiveness...),
		Processed:     make(map[string]time.Time, len(prev.Processed)+1),
	}
	for k, v := range prev.Strategies {
		next.Strategies[k] = v
	}
	for k, v := range prev.Metrics {
		next.Metrics[k] = v
	}
	for k, v := range prev.Processed {
		next.Processed[k] = v
	}
	for _, c := range u.sortedCredits() {
		next.Strategies[c.Persona] = u.Smoothing.Apply(next.Strategies[c.Persona], c, now)
	}
	next.Metrics[u.Metrics.SessionID] = u.Metrics
	next.Processed[u.Metrics.SessionID] = now.UTC()

	s.doc = next
	if err := s.persist(); err != nil {
		s.doc = prev
		return false, err
	}
	return true, nil
}

// AcquireRunLock uses an in-process flag for memory stores and an exclusive
// lock file next to the document otherwise. A lock file past its expiry is
// considered abandoned; Refresh pushes the expiry forward.
func (s *LocalStore) AcquireRunLock(_ context.Context, owner string) (RunLock, error) {
	if s.path == "" {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		if s.running {
			return nil, ErrLocked
		}
		s.running = true
		return runLock{release: func(context.Context) error {
			s.runMu.Lock()
			s.running = false
			s.runMu.Unlock()
			return nil
		}}, nil
	}

	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	token := uuid.NewString()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(s.lockLine(token, owner))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(lockPath)
				return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return runLock{
				refresh: func(context.Context) error { return s.refreshLock(lockPath, token, owner) },
				release: func(context.Context) error {
					if _, ok := s.lockToken(lockPath); ok && !s.ownsLock(lockPath, token) {
						return ErrLocked
					}
					if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
						return err
					}
					return nil
				},
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if !s.lockExpired(lockPath) {
			return nil, ErrLocked
		}
		_ = os.Remove(lockPath)
	}
	return nil, ErrLocked
}

// lockLine is "<expiry unix ms> <token> <owner>".
func (s *LocalStore) lockLine(token, owner string) string {
	return fmt.Sprintf("%d %s %s\n", s.now().Add(s.lockTTL).UnixMilli(), token, owner)
}

func (s *LocalStore) lockToken(lockPath string) (string, bool) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

func (s *LocalStore) ownsLock(lockPath, token string) bool {
	t, ok := s.lockToken(lockPath)
	return ok && t == token
}

func (s *LocalStore) refreshLock(lockPath, token, owner string) error {
	if !s.ownsLock(lockPath, token) {
		return ErrLocked
	}
	tmp := lockPath + "." + token
	if err := os.WriteFile(tmp, []byte(s.lockLine(token, owner)), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, lockPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *LocalStore) lockExpired(lockPath string) bool {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return false
	}
	expires, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return false
	}
	return s.now().UnixMilli() > expires
}

func (s *LocalStore) Ping(context.Context) error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *LocalStore) Close() error { return nil }

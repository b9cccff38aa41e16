package strategy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"personashift/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

const runLockName = "personashift.learner"

// SQLStore keeps strategy tables in SQLite or Postgres.
type SQLStore struct {
	db      *database.Database
	lockTTL time.Duration
	logger  *zap.Logger
}

// OpenSQL connects and migrates the schema.
func OpenSQL(ctx context.Context, cfg database.Config, lockTTL time.Duration, logger *zap.Logger) (*SQLStore, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, lockTTL, logger), nil
}

func NewSQLStore(db *database.Database, lockTTL time.Duration, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &SQLStore{db: db, lockTTL: lockTTL, logger: logger}
}

// Migrate applies the embedded schema for db's dialect.
func Migrate(ctx context.Context, db *database.Database) error {
	return database.AutoMigrate(ctx, db, migrationsFS, migrationsDir(db.Dialect()))
}

// NewMigrationManager exposes the embedded schema for manual up/down/version.
func NewMigrationManager(cfg database.Config) (*database.MigrationManager, error) {
	return database.NewMigrationManager(cfg, migrationsFS, migrationsDir(cfg.Dialect))
}

func migrationsDir(d database.Dialect) string { return "migrations/" + string(d) }

func (s *SQLStore) DB() *database.Database { return s.db }

func (s *SQLStore) Strategies(ctx context.Context, names ...string) (map[string]PersonaStrategy, error) {
	out := make(map[string]PersonaStrategy, len(names))
	if len(names) == 0 {
		return out, nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	q := `SELECT persona_name, engagement_weight, threat_weight, usage_count, updated_at
		FROM persona_strategy WHERE persona_name IN (` + placeholders(len(names)) + `)`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, s.classify(err)
		}
		out[st.Persona] = st
	}
	return out, s.classify(rows.Err())
}

func (s *SQLStore) ListStrategies(ctx context.Context) ([]PersonaStrategy, error) {
	rows, err := s.query(ctx, `SELECT persona_name, engagement_weight, threat_weight, usage_count, updated_at
		FROM persona_strategy ORDER BY persona_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PersonaStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, s.classify(err)
		}
		out = append(out, st)
	}
	return out, s.classify(rows.Err())
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.Primary.QueryContext(ctx, s.db.Rebind(q), args...)
	s.db.Observe(start, err)
	if err != nil {
		return nil, s.classify(err)
	}
	return rows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(r scanner) (PersonaStrategy, error) {
	var st PersonaStrategy
	var updated int64
	if err := r.Scan(&st.Persona, &st.EngagementWeight, &st.ThreatWeight, &st.UsageCount, &updated); err != nil {
		return PersonaStrategy{}, err
	}
	if updated > 0 {
		st.UpdatedAt = time.UnixMilli(updated).UTC()
	}
	return st, nil
}

func (s *SQLStore) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.Primary.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM processed_sessions WHERE session_id = ?`), sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.classify(err)
	}
	return true, nil
}

// ApplySession runs the whole update in one transaction. Existing strategy
// rows are locked with SELECT ... FOR UPDATE on Postgres; SQLite takes the
// write lock at BEGIN.
func (s *SQLStore) ApplySession(ctx context.Context, u SessionUpdate) (bool, error) {
	if u.Metrics.SessionID == "" {
		return false, errors.New("session update without session id")
	}
	start := time.Now()
	applied := false
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM processed_sessions WHERE session_id = ?`), u.Metrics.SessionID).Scan(&one)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		now := time.Now()
		if err := s.upsertMetrics(ctx, tx, u.Metrics); err != nil {
			return err
		}
		for _, e := range u.Effectiveness {
			if err := s.insertEffectiveness(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, c := range u.sortedCredits() {
			old, found, err := s.lockStrategy(ctx, tx, c.Persona)
			if err != nil {
				return err
			}
			next := u.Smoothing.Apply(old, c, now)
			if err := s.writeStrategy(ctx, tx, next, found); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO processed_sessions (session_id, source, processed_at) VALUES (?, ?, ?)`),
			u.Metrics.SessionID, u.Source, now.UnixMilli()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	s.db.Observe(start, err)
	if err != nil {
		return false, s.classify(err)
	}
	return applied, nil
}

func (s *SQLStore) upsertMetrics(ctx context.Context, tx *sql.Tx, m SessionMetrics) error {
	tags := m.ThreatTags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions_metrics (session_id, client_ip, initial_persona, final_persona, start_time, end_time,
			duration_seconds, interaction_count, engagement_score, threat_score, suspicious_score, threat_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			client_ip = excluded.client_ip,
			initial_persona = excluded.initial_persona,
			final_persona = excluded.final_persona,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_seconds = excluded.duration_seconds,
			interaction_count = excluded.interaction_count,
			engagement_score = excluded.engagement_score,
			threat_score = excluded.threat_score,
			suspicious_score = excluded.suspicious_score,
			threat_tags = excluded.threat_tags`),
		m.SessionID, m.ClientIP, m.InitialPersona, m.FinalPersona, nullTime(m.StartTime), nullTime(m.EndTime),
		m.DurationSeconds, m.InteractionCount, m.EngagementScore, m.ThreatScore, m.SuspiciousScore, string(tagJSON))
	return err
}

func (s *SQLStore) insertEffectiveness(ctx context.Context, tx *sql.Tx, e PersonaEffectiveness) error {
	counts := e.Interactions
	if counts == nil {
		counts = map[string]int{}
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO persona_effectiveness (session_id, persona_name, time_spent_seconds, interaction_count, interactions_by_protocol)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, persona_name) DO NOTHING`),
		e.SessionID, e.Persona, e.TimeSpentSeconds, e.Total(), string(b))
	return err
}

func (s *SQLStore) lockStrategy(ctx context.Context, tx *sql.Tx, persona string) (PersonaStrategy, bool, error) {
	q := `SELECT persona_name, engagement_weight, threat_weight, usage_count, updated_at
		FROM persona_strategy WHERE persona_name = ?`
	if s.db.Dialect() == database.Postgres {
		q += ` FOR UPDATE`
	}
	st, err := scanStrategy(tx.QueryRowContext(ctx, s.db.Rebind(q), persona))
	if errors.Is(err, sql.ErrNoRows) {
		return PersonaStrategy{}, false, nil
	}
	if err != nil {
		return PersonaStrategy{}, false, err
	}
	return st, true, nil
}

// writeStrategy inserts a new row with a plain INSERT so that two writers
// creating the same persona collide on the primary key instead of one
// silently overwriting the other.
func (s *SQLStore) writeStrategy(ctx context.Context, tx *sql.Tx, st PersonaStrategy, exists bool) error {
	if exists {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE persona_strategy
			SET engagement_weight = ?, threat_weight = ?, usage_count = ?, updated_at = ?
			WHERE persona_name = ?`),
			st.EngagementWeight, st.ThreatWeight, st.UsageCount, st.UpdatedAt.UnixMilli(), st.Persona)
		return err
	}
	_, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO persona_strategy
		(persona_name, engagement_weight, threat_weight, usage_count, updated_at) VALUES (?, ?, ?, ?, ?)`),
		st.Persona, st.EngagementWeight, st.ThreatWeight, st.UsageCount, st.UpdatedAt.UnixMilli())
	return err
}

// AcquireRunLock takes a Postgres advisory lock, which lives as long as its
// connection and needs no refresh, or a lease row on other dialects.
func (s *SQLStore) AcquireRunLock(ctx context.Context, owner string) (RunLock, error) {
	if s.db.Dialect() == database.Postgres {
		lock, err := database.AcquireAdvisoryLock(ctx, s.db, runLockName)
		if err != nil {
			return nil, s.lockErr(err)
		}
		return runLock{release: lock.Release}, nil
	}
	lease, err := database.AcquireLeaseLock(ctx, s.db, runLockName, owner, s.lockTTL)
	if err != nil {
		return nil, s.lockErr(err)
	}
	return runLock{
		refresh: func(ctx context.Context) error { return s.lockErr(lease.Refresh(ctx)) },
		release: lease.Release,
	}, nil
}

func (s *SQLStore) lockErr(err error) error {
	if errors.Is(err, database.ErrLockHeld) {
		return ErrLocked
	}
	return s.classify(err)
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// classify maps driver errors onto the package sentinels.
func (s *SQLStore) classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
		if pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57" {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour a Database speaks.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Config configuration for database connection
type Config struct {
	Dialect Dialect
	// DSN is a lib/pq connection string for Postgres or a file path for SQLite.
	DSN string

	// Connection pool settings (Postgres only; SQLite always uses one connection)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	ConnectTimeout     time.Duration
	BusyTimeout        time.Duration
	SlowQueryThreshold time.Duration
}

// Database wraps the primary connection pool with dialect helpers.
type Database struct {
	Primary *sql.DB
	config  Config

	mu    sync.Mutex
	stats Stats
}

// Stats counts executed statements.
type Stats struct {
	Queries     int64
	Errors      int64
	SlowQueries int64
}

// Open connects and pings.
func Open(ctx context.Context, config Config) (*Database, error) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = time.Minute
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.SlowQueryThreshold == 0 {
		config.SlowQueryThreshold = time.Second
	}

	driver, dsn, err := driverDSN(config)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if config.Dialect == SQLite {
		// one writer; transactions serialise on the single connection
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(config.MaxOpenConns)
		conn.SetMaxIdleConns(config.MaxIdleConns)
		conn.SetConnMaxLifetime(config.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{Primary: conn, config: config}, nil
}

func driverDSN(config Config) (string, string, error) {
	switch config.Dialect {
	case Postgres:
		if config.DSN == "" {
			return "", "", errors.New("postgres DSN is empty")
		}
		return "postgres", config.DSN, nil
	case SQLite:
		if config.DSN == "" {
			return "", "", errors.New("sqlite path is empty")
		}
		return "sqlite", sqliteDSN(config.DSN, config.BusyTimeout), nil
	default:
		return "", "", fmt.Errorf("unsupported dialect %q", config.Dialect)
	}
}

func sqliteDSN(path string, busy time.Duration) string {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep +
		"_pragma=busy_timeout(" + strconv.FormatInt(busy.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}

func (db *Database) Dialect() Dialect { return db.config.Dialect }

func (db *Database) Config() Config { return db.config }

// Rebind rewrites ? placeholders to $n for Postgres.
func (db *Database) Rebind(query string) string {
	if db.config.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Observe records the outcome of one statement.
func (db *Database) Observe(start time.Time, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stats.Queries++
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.stats.Errors++
	}
	if time.Since(start) > db.config.SlowQueryThreshold {
		db.stats.SlowQueries++
	}
}

func (db *Database) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.stats
}

// Ping checks connectivity
func (db *Database) Ping(ctx context.Context) error {
	if err := db.Primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary database ping failed: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	return db.Primary.Close()
}

// WithTransaction executes a function within a transaction
func (db *Database) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.Primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

// ErrLockHeld is returned when another owner holds the lock.
var ErrLockHeld = errors.New("lock is already held")

// AdvisoryLock is a Postgres session-level advisory lock. Session locks belong
// to one backend connection, so the lock pins a dedicated *sql.Conn until Release.
type AdvisoryLock struct {
	conn *sql.Conn
	key  int64
}

// LockKey derives a stable advisory lock key from a name.
func LockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func AcquireAdvisoryLock(ctx context.Context, db *Database, name string) (*AdvisoryLock, error) {
	if db.Dialect() != Postgres {
		return nil, fmt.Errorf("advisory locks need postgres, have %s", db.Dialect())
	}
	conn, err := db.Primary.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}
	key := LockKey(name)
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, ErrLockHeld
	}
	return &AdvisoryLock{conn: conn, key: key}, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	var unlocked bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&unlocked); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !unlocked {
		return errors.New("advisory lock was not held")
	}
	return nil
}

// LeaseLock is a row in run_locks with an expiry, for backends without
// advisory locks. An expired lease may be taken over.
type LeaseLock struct {
	db    *Database
	name  string
	owner string
	ttl   time.Duration
}

func AcquireLeaseLock(ctx context.Context, db *Database, name, owner string, ttl time.Duration) (*LeaseLock, error) {
	now := time.Now()
	res, err := db.Primary.ExecContext(ctx, db.Rebind(`
		INSERT INTO run_locks (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE run_locks.expires_at < ?`),
		name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrLockHeld
	}
	return &LeaseLock{db: db, name: name, owner: owner, ttl: ttl}, nil
}

func (l *LeaseLock) Release(ctx context.Context) error {
	_, err := l.db.Primary.ExecContext(ctx, l.db.Rebind(`DELETE FROM run_locks WHERE name = ? AND owner = ?`), l.name, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.name, err)
	}
	return nil
}

// Refresh extends the lease by its ttl. It fails with ErrLockHeld when the
// lease expired and another owner took it.
func (l *LeaseLock) Refresh(ctx context.Context) error {
	res, err := l.db.Primary.ExecContext(ctx, l.db.Rebind(`UPDATE run_locks SET expires_at = ? WHERE name = ? AND owner = ?`),
		time.Now().Add(l.ttl).UnixMilli(), l.name, l.owner)
	if err != nil {
		return fmt.Errorf("failed to refresh lease %s: %w", l.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

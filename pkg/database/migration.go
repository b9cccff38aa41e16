package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationManager manages database migrations. It owns a separate handle
// because closing a migrate instance closes the database it was given.
type MigrationManager struct {
	handle  *sql.DB
	migrate *migrate.Migrate
}

// NewMigrationManager reads the migrations under dir of fsys for the dialect in config.
func NewMigrationManager(config Config, fsys fs.FS, dir string) (*MigrationManager, error) {
	sourceDriver, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, dsn, err := driverDSN(config)
	if err != nil {
		return nil, err
	}
	handle, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration handle: %w", err)
	}

	var dbDriver database.Driver
	switch config.Dialect {
	case Postgres:
		dbDriver, err = postgres.WithInstance(handle, &postgres.Config{MigrationsTable: "schema_migrations"})
	case SQLite:
		handle.SetMaxOpenConns(1)
		dbDriver, err = sqlite.WithInstance(handle, &sqlite.Config{MigrationsTable: "schema_migrations"})
	}
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(config.Dialect), dbDriver)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &MigrationManager{handle: handle, migrate: m}, nil
}

// Up runs all pending migrations
func (mm *MigrationManager) Up() error {
	if err := mm.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// Steps runs n migrations (positive for up, negative for down)
func (mm *MigrationManager) Steps(n int) error {
	if err := mm.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run %d migration steps: %w", n, err)
	}
	return nil
}

// Version returns the current migration version
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations
func (mm *MigrationManager) Force(version int) error {
	if err := mm.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close closes the migration manager and its handle.
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}

// AutoMigrate brings the schema up to date, refusing to touch a dirty schema.
// Postgres migrations run under an advisory lock.
func AutoMigrate(ctx context.Context, db *Database, fsys fs.FS, dir string) error {
	if db.Dialect() == Postgres {
		lock, err := AcquireAdvisoryLock(ctx, db, "personashift.migrations")
		if err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	mm, err := NewMigrationManager(db.config, fsys, dir)
	if err != nil {
		return err
	}
	defer mm.Close()

	version, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}
	return mm.Up()
}

package database

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations. A separate database/sql
// handle is opened from the pool config so closing the migrator leaves the
// pool untouched.
func (db *DB) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	sqlDB := stdlib.OpenDB(*db.Pool.Config().ConnConfig.Copy())
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return Unavailable("migrate", err)
	}

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		sqlDB.Close()
		return &MigrationError{err: err}
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		sqlDB.Close()
		return &MigrationError{err: err}
	}
	defer m.Close()

	before, _, _ := m.Version()
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			db.log.Debug().Uint("version", before).Msg("schema up to date")
			return nil
		}
		return &MigrationError{version: before, err: err}
	}

	after, _, _ := m.Version()
	db.log.Info().Uint("from", before).Uint("to", after).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. A dirty schema has to be
// repaired by hand before the service can start.
type MigrationError struct {
	version uint
	err     error
}

func (e *MigrationError) Error() string {
	var dirty migrate.ErrDirty
	if errors.As(e.err, &dirty) {
		return fmt.Sprintf("schema is dirty at version %d: fix the failed migration and reset schema_migrations", dirty.Version)
	}
	return fmt.Sprintf("migration from version %d failed: %v", e.version, e.err)
}

func (e *MigrationError) Unwrap() error {
	return e.err
}

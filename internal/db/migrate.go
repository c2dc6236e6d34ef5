package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// RunMigrations applies all pending migrations. An up-to-date schema is
// not an error.
func RunMigrations(db *sql.DB, dialect Dialect) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}
	// m is not closed: that would close db, which the caller owns.

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// CheckMigrationStatus returns nil when the schema is at the latest
// embedded version.
func CheckMigrationStatus(db *sql.DB, dialect Dialect) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return errors.New("database has no schema version (needs migration)")
		}
		return fmt.Errorf("get database version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d", version)
	}

	src, err := sourceFor(dialect)
	if err != nil {
		return err
	}
	defer src.Close()

	latest, err := latestVersion(src)
	if err != nil {
		return fmt.Errorf("determine latest version: %w", err)
	}
	if version != latest {
		return fmt.Errorf("database is at version %d, binary expects %d", version, latest)
	}
	return nil
}

func sourceFor(dialect Dialect) (source.Driver, error) {
	var dir string
	switch dialect {
	case Postgres:
		dir = "migrations/postgres"
	case SQLite:
		dir = "migrations/sqlite"
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}
	return src, nil
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	src, err := sourceFor(dialect)
	if err != nil {
		return nil, err
	}

	var driver database.Driver
	switch dialect {
	case Postgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case SQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	}
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}

// Package migration applies the embedded schema migrations of the server
// database and the local store.
package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// Database drivers register themselves for the postgres:// and sqlite3:// URLs.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrations embed.FS

// Dialect selects the migration set and names its directory.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migrator is the part of migrate.Migrate the package uses.
type Migrator interface {
	Up() error
	Close() (error, error)
}

// MigrationEngine builds a Migrator; tests substitute it.
type MigrationEngine func(dialect Dialect, databaseURL string) (Migrator, error)

type Migration struct {
	dialect     Dialect
	databaseURL string
	engine      MigrationEngine
}

func NewMigration(dialect Dialect, databaseURL string, engine MigrationEngine) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		dialect:     dialect,
		databaseURL: databaseURL,
		engine:      engine,
	}
}

// DefaultEngine reads the embedded migrations of dialect.
func DefaultEngine(dialect Dialect, databaseURL string) (Migrator, error) {
	src, err := iofs.New(migrations, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("open %s migrations: %w", dialect, err)
	}
	return migrate.NewWithSourceInstance("iofs", src, databaseURL)
}

// SQLiteURL is the migrate database URL of a SQLite file.
func SQLiteURL(path string) string {
	return "sqlite3://" + path
}

func (mg *Migration) Up() (err error) {
	m, err := mg.engine(mg.dialect, mg.databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			if err != nil {
				err = fmt.Errorf("%w; migration source error: %v", err, serr)
			} else {
				err = serr
			}
		}
		if dberr != nil {
			if err != nil {
				err = fmt.Errorf("%w; migration database error: %v", err, dberr)
			} else {
				err = dberr
			}
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s migration up: %w", mg.dialect, err)
	}
	return nil
}

package data

import (
	"database/sql"
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// migratePostgres applies the embedded postgres migrations through the pgx5 driver
func migratePostgres(connString string) error {
	src, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		return errors.Wrap(err, "open postgres migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(connString))
	if err != nil {
		return errors.Wrap(err, "create postgres migrator")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "run postgres migrations")
	}
	return nil
}

// migrateSQLite applies the embedded sqlite migrations on an open handle.
// The migrator is not closed since that would close db.
func migrateSQLite(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "create sqlite migration driver")
	}
	src, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return errors.Wrap(err, "open sqlite migrations")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "create sqlite migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "run sqlite migrations")
	}
	return nil
}

func pgx5URL(connString string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(connString, scheme) {
			return "pgx5://" + strings.TrimPrefix(connString, scheme)
		}
	}
	return connString
}

package storage

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate applies the goose migrations in dir. goose needs a database/sql
// handle, so it opens its own short-lived connection through the pgx driver.
func Migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	if err := goose.Up(db, dir); err != nil {
		return errors.Wrapf(err, "apply migrations from %s", dir)
	}
	return nil
}

// MigrationVersion reports the schema version goose last applied.
func MigrationVersion(dsn string) (int64, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, errors.Wrap(err, "open migration connection")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return 0, errors.Wrap(err, "goose dialect")
	}
	v, err := goose.GetDBVersion(db)
	return v, errors.Wrap(err, "read schema version")
}

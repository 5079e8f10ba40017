package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate applies the goose migrations in dir against db. Called once at
// process start, before anything touches the pool.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(db, dir), "apply migrations")
}

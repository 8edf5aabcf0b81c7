package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
)

//go:embed migrations
var fs embed.FS

func migrator(driver, dsn string) (*migrate.Migrate, error) {
	var url string
	switch driver {
	case DriverSQLite:
		url = "sqlite://" + dsn
	case DriverPostgres:
		url = dsn
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	// Each driver has its own dialect of the schema
	d, err := iofs.New(fs, "migrations/"+driver)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending migrations
func Migrate(driver, dsn string) error {
	log.WithFields(log.Fields{
		"driver": driver,
	}).Info("Running migrations")

	m, err := migrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// Rollback reverts the given number of applied migrations
func Rollback(driver, dsn string, steps int) error {
	log.WithFields(log.Fields{
		"driver": driver,
		"steps":  steps,
	}).Info("Rolling back migrations")

	m, err := migrator(driver, dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// Version reports the applied schema version. dirty is set when a migration
// failed half way.
func Version(driver, dsn string) (version uint, dirty bool, err error) {
	m, err := migrator(driver, dsn)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

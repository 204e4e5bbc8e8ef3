package db

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	// file:// migration sources
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/iancoleman/strcase"
	pkgerrors "github.com/pkg/errors"
)

//go:embed migrations/*.pgsql
var embeddedMigrations embed.FS

// MigrationStatus is the version and dirtiness of the schema
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("could not get Postgres instance: %w", err)
	}

	if d.MigrationsPath == "" {
		source, err := iofs.New(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("could not read embedded migrations: %w", err)
		}
		return migrate.NewWithInstance("iofs", source, "postgres", driver)
	}
	return migrate.NewWithDatabaseInstance(d.MigrationsPath, "postgres", driver)
}

// MigrationStatus returns the migrations version number and dirtiness
func (d *DB) MigrationStatus() (MigrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp applies all migrations not yet applied
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info("No migrations applied")
			return nil
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return m.Steps(-steps)
}

// Drop drops everything in the database, removing all data and schemas
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err = m.Drop(); err != nil {
		return fmt.Errorf("could not drop DB: %w", err)
	}
	return nil
}

// Reset first drops the DB, then applies migrations
func (d *DB) Reset() error {
	if err := d.Drop(); err != nil {
		return err
	}
	return d.MigrateUp()
}

func newMigrationFile(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return pkgerrors.Wrap(err, "could not create new file")
	}
	return f.Close()
}

// CreateMigration creates a pair of new, empty migration files with a
// timestamped name in the migrations directory
func (d *DB) CreateMigration(migrationText string) ([]string, error) {
	migrationTime := time.Now().UTC().Format("20060102150405")

	parts := strings.SplitN(d.MigrationsPath, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("couldn't extract directory from migrations path: %q", d.MigrationsPath)
	}
	migrationsDir := strings.TrimPrefix(parts[1], "//")

	name := migrationTime + "_" + strcase.ToSnake(migrationText)
	var created []string
	for _, direction := range []string{"up", "down"} {
		file := path.Join(migrationsDir, name+"."+direction+".pgsql")
		if err := newMigrationFile(file); err != nil {
			return created, err
		}
		created = append(created, file)
	}
	return created, nil
}

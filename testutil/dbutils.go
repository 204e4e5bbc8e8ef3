package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database, so every package
// gets a database of its own.
func GetDatabaseConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:     GetEnvOrElse("DATABASE_TEST_USER", "lnbank_test"),
		Password: GetEnvOrElse("DATABASE_TEST_PASSWORD", "password"),
		Host:     GetEnvOrElse("DATABASE_HOST", "localhost"),
		Port:     GetEnvAsIntOrElse("DATABASE_PORT", 5432),
		Name:     "lnbank_test_" + name,
	}
}

// CreateIfNotExists creates a new database from the given config if it does
// not exist.
func CreateIfNotExists(conf db.DatabaseConfig) error {
	rootConfig := db.DatabaseConfig{
		User:     GetEnvOrElse("DATABASE_ROOT_USER", "postgres"),
		Password: GetEnvOrElse("DATABASE_ROOT_PASSWORD", "postgres"),
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrap(err, "couldn't connect to root Postgres DB")
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var exists bool
	if err = database.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname=$1)", conf.Name); err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}
	if exists {
		return nil
	}

	if _, err = database.ExecContext(ctx,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", conf.Name, conf.User)); err != nil {
		return errors.Wrap(err, "cannot create database")
	}
	return nil
}

// InitDatabase creates the database described by the config if needed,
// drops everything in it and applies all migrations, so tests start from an
// empty schema.
func InitDatabase(config db.DatabaseConfig) (*db.DB, error) {
	log.WithField("database", config.Name).Info("Opening, destroying and creating test DB")
	if err := CreateIfNotExists(config); err != nil {
		return nil, errors.Wrap(err, "could not create test DB")
	}

	testDB, err := db.Open(config)
	if err != nil {
		return nil, errors.Wrap(err, "could not open test DB")
	}

	if err = testDB.Reset(); err != nil {
		_ = testDB.Close()
		return nil, errors.Wrap(err, "could not reset test DB")
	}
	return testDB, nil
}

// SkipPackageWithoutDB ends the test binary with a success exit code.
// TestMain calls it when Postgres isn't available, so the tests of
// packages that need it are skipped instead of failing.
func SkipPackageWithoutDB(pkg string, err error) {
	log.WithError(err).Warnf("Postgres is unavailable, skipping tests in %s", pkg)
	os.Exit(0)
}

// Package db provides the Postgres connection, schema migrations and
// transaction helpers used by the model packages.
package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/build"
)

var log = build.AddSubLogger("DB")

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	// The user to use when connecting
	User     string
	Password string
	Host     string
	Port     int
	// The name of the DB to connect to
	Name string

	// MigrationsPath is where our migrations are located. Needs a scheme
	// (file://, etc.). If empty, the migrations compiled into the binary
	// are used.
	MigrationsPath string
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	MigrationsPath string
}

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx. Model functions take
// it so they can run either on their own or as part of a transaction.
type Queryer interface {
	sqlx.ExtContext
}

// URL returns the connection string for the given config
func (conf DatabaseConfig) URL() string {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	databaseURL := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     conf.Host + ":" + strconv.Itoa(conf.Port),
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}
	return databaseURL.String()
}

// Open opens a connection pool to the configured database. It does not
// verify that the database is reachable.
func Open(conf DatabaseConfig) (*DB, error) {
	d, err := sqlx.Open("postgres", conf.URL())
	if err != nil {
		return nil, pkgerrors.Wrapf(err,
			"cannot connect to database %s with user %s at %s:%d",
			conf.Name, conf.User, conf.Host, conf.Port,
		)
	}

	log.WithFields(logrus.Fields{
		"host":     conf.Host,
		"port":     conf.Port,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             d,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}

// WithTx runs fn inside a transaction. The transaction is committed if fn
// returns nil, and rolled back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.WithError(rollbackErr).Error("Could not roll back transaction")
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Postgres error codes we care about
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

func pqCode(err error) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}

// IsUniqueViolation checks if the error is caused by a unique constraint.
// If constraints are given, it only returns true if the violated
// constraint is one of them.
func IsUniqueViolation(err error, constraints ...string) bool {
	return isViolation(err, codeUniqueViolation, constraints)
}

// IsForeignKeyViolation checks if the error is caused by a foreign key
// constraint
func IsForeignKeyViolation(err error, constraints ...string) bool {
	return isViolation(err, codeForeignKeyViolation, constraints)
}

// IsCheckViolation checks if the error is caused by a check constraint
func IsCheckViolation(err error, constraints ...string) bool {
	return isViolation(err, codeCheckViolation, constraints)
}

func isViolation(err error, code string, constraints []string) bool {
	actualCode, constraint := pqCode(err)
	if actualCode != code {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, c := range constraints {
		if c == constraint {
			return true
		}
	}
	return false
}

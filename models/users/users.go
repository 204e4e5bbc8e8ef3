// Package users stores registered identities. A user is identified by its
// public key alone.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

var (
	// ErrNotFound means no user with the given public key exists
	ErrNotFound = errors.New("user not found")
	// ErrAlreadyExists means the public key is already registered
	ErrAlreadyExists = errors.New("user already exists")
)

// User is a registered identity
type User struct {
	PublicKey    string    `db:"public_key" json:"publicKey"`
	InviteID     string    `db:"invite_id" json:"inviteId"`
	RecoveryName *string   `db:"recovery_name" json:"recoveryName"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

const columns = "public_key, invite_id, recovery_name, created_at"

// Insert persists the given user
func Insert(ctx context.Context, q db.Queryer, user User) (User, error) {
	query := `INSERT INTO users (public_key, invite_id, recovery_name)
	VALUES (:public_key, :invite_id, :recovery_name)
	RETURNING ` + columns

	var inserted User
	if err := db.NamedGet(ctx, q, &inserted, query, user); err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrAlreadyExists
		}
		return User{}, fmt.Errorf("could not insert user: %w", err)
	}
	return inserted, nil
}

// Get gets the user with the given public key
func Get(ctx context.Context, q db.Queryer, publicKey string) (User, error) {
	var user User
	err := sqlx.GetContext(ctx, q, &user,
		`SELECT `+columns+` FROM users WHERE public_key = $1`, publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// Exists checks if the given public key is registered
func Exists(ctx context.Context, q db.Queryer, publicKey string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, q, &exists,
		`SELECT EXISTS (SELECT 1 FROM users WHERE public_key = $1)`, publicKey)
	return exists, err
}

// Lock locks the row of the given user until the transaction ends. All
// operations that read or change a user's balance take this lock first,
// which serializes them per user.
func Lock(ctx context.Context, tx *sqlx.Tx, publicKey string) error {
	var locked string
	err := sqlx.GetContext(ctx, tx, &locked,
		`SELECT public_key FROM users WHERE public_key = $1 FOR UPDATE`, publicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("could not lock user: %w", err)
	}
	return nil
}

// SetRecoveryName sets or, if name is nil, clears the recovery name of
// the user
func SetRecoveryName(ctx context.Context, q db.Queryer, publicKey string, name *string) (User, error) {
	var user User
	err := sqlx.GetContext(ctx, q, &user,
		`UPDATE users SET recovery_name = $2 WHERE public_key = $1 RETURNING `+columns,
		publicKey, name)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// Rekey moves the user, and through cascading foreign keys everything it
// owns, from one public key to another
func Rekey(ctx context.Context, q db.Queryer, from, to string) (User, error) {
	var user User
	err := sqlx.GetContext(ctx, q, &user,
		`UPDATE users SET public_key = $2 WHERE public_key = $1 RETURNING `+columns,
		from, to)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return User{}, ErrNotFound
	case db.IsUniqueViolation(err):
		return User{}, ErrAlreadyExists
	}
	return user, err
}

// List lists all users, oldest first
func List(ctx context.Context, q db.Queryer) ([]User, error) {
	users := []User{}
	err := sqlx.SelectContext(ctx, q, &users,
		`SELECT `+columns+` FROM users ORDER BY created_at, public_key`)
	return users, err
}

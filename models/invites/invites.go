// Package invites stores invites, the admin issued codes that gate user
// registration.
package invites

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// ErrNotFound means no invite with the given ID exists
var ErrNotFound = errors.New("invite not found")

// Invite lets up to UserLimit users register until it expires
type Invite struct {
	ID        string    `db:"id" json:"id"`
	UserLimit int64     `db:"user_limit" json:"userLimit"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// WithUsage is an invite together with how many users registered with it
type WithUsage struct {
	Invite
	Users int64 `db:"users" json:"users"`
}

// Expired checks whether the invite is expired at the given time
func (i Invite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

const columns = "id, user_limit, expires_at, created_at"

// Insert persists the given invite
func Insert(ctx context.Context, q db.Queryer, invite Invite) (Invite, error) {
	query := `INSERT INTO invites (id, user_limit, expires_at)
	VALUES (:id, :user_limit, :expires_at)
	RETURNING ` + columns

	var inserted Invite
	if err := db.NamedGet(ctx, q, &inserted, query, invite); err != nil {
		return Invite{}, fmt.Errorf("could not insert invite: %w", err)
	}
	return inserted, nil
}

// GetForUpdate gets the invite with the given ID, locking its row until
// the surrounding transaction ends
func GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (Invite, error) {
	var invite Invite
	err := sqlx.GetContext(ctx, tx, &invite,
		`SELECT `+columns+` FROM invites WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Invite{}, ErrNotFound
	}
	return invite, err
}

// CountUsers counts the users that registered with the given invite
func CountUsers(ctx context.Context, q db.Queryer, id string) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count,
		`SELECT count(*) FROM users WHERE invite_id = $1`, id)
	return count, err
}

// List lists all invites, newest first
func List(ctx context.Context, q db.Queryer) ([]WithUsage, error) {
	invites := []WithUsage{}
	err := sqlx.SelectContext(ctx, q, &invites, `
	SELECT i.id, i.user_limit, i.expires_at, i.created_at, count(u.public_key) AS users
	FROM invites i LEFT JOIN users u ON u.invite_id = i.id
	GROUP BY i.id
	ORDER BY i.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("could not list invites: %w", err)
	}
	return invites, nil
}

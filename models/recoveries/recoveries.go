// Package recoveries stores recovery tokens, which let a user move their
// account to a new identity.
package recoveries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// ErrNotFound means no recovery with the given ID exists
var ErrNotFound = errors.New("recovery not found")

// Recovery is a single use token that transfers a user's records
type Recovery struct {
	ID        string    `db:"id" json:"id"`
	UserPK    string    `db:"user_pk" json:"userPk"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Expired checks whether the token is expired at the given time
func (r Recovery) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

const columns = "id, user_pk, expires_at, created_at"

// Insert persists the given recovery
func Insert(ctx context.Context, q db.Queryer, recovery Recovery) (Recovery, error) {
	query := `INSERT INTO recoveries (id, user_pk, expires_at)
	VALUES (:id, :user_pk, :expires_at)
	RETURNING ` + columns

	var inserted Recovery
	if err := db.NamedGet(ctx, q, &inserted, query, recovery); err != nil {
		return Recovery{}, fmt.Errorf("could not insert recovery: %w", err)
	}
	return inserted, nil
}

// GetForUpdate gets the recovery with the given ID and locks its row
func GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (Recovery, error) {
	var recovery Recovery
	err := sqlx.GetContext(ctx, tx, &recovery,
		`SELECT `+columns+` FROM recoveries WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Recovery{}, ErrNotFound
	}
	return recovery, err
}

// Delete removes the recovery with the given ID
func Delete(ctx context.Context, q db.Queryer, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM recoveries WHERE id = $1`, id)
	return err
}

// ListForUser lists the recoveries issued for the given user
func ListForUser(ctx context.Context, q db.Queryer, userPK string) ([]Recovery, error) {
	recoveries := []Recovery{}
	err := sqlx.SelectContext(ctx, q, &recoveries,
		`SELECT `+columns+` FROM recoveries WHERE user_pk = $1 ORDER BY created_at`, userPK)
	return recoveries, err
}

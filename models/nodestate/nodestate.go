// Package nodestate persists the positions in the node's event streams
// that have been fully processed.
package nodestate

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// CursorStore loads and saves named cursors
type CursorStore struct {
	db db.Queryer
}

// NewCursorStore creates a cursor store backed by the given DB
func NewCursorStore(q db.Queryer) CursorStore {
	return CursorStore{db: q}
}

// Load returns the value of the named cursor, or 0 if it was never saved
func (c CursorStore) Load(ctx context.Context, name string) (uint64, error) {
	var value int64
	err := sqlx.GetContext(ctx, c.db, &value,
		`SELECT value FROM node_cursors WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(value), err
}

// Save stores the value of the named cursor. Cursors never move backwards.
func (c CursorStore) Save(ctx context.Context, name string, value uint64) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO node_cursors (name, value) VALUES ($1, $2)
	ON CONFLICT (name) DO UPDATE
	SET value = GREATEST(node_cursors.value, EXCLUDED.value), updated_at = now()`,
		name, int64(value))
	return err
}

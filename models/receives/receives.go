// Package receives stores the incoming payments credited to users. A
// receive is keyed by the node level payment ID, which makes crediting the
// same settlement twice impossible.
package receives

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// ErrNotFound means no receive with the given ID exists
var ErrNotFound = errors.New("receive not found")

// Receive is a credited incoming payment
type Receive struct {
	ID             string    `db:"id" json:"id"`
	UserPK         string    `db:"user_pk" json:"userPk"`
	AmountMsat     int64     `db:"amount_msat" json:"amountMsat"`
	Description    string    `db:"description" json:"description"`
	PaymentRequest string    `db:"payment_request" json:"paymentRequest"`
	InvoiceID      *string   `db:"invoice_id" json:"invoiceId"`
	OfferID        *string   `db:"offer_id" json:"offerId"`
	Internal       bool      `db:"internal" json:"internal"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

const columns = `id, user_pk, amount_msat, description, payment_request,
	invoice_id, offer_id, internal, created_at`

// Insert persists the receive. If a receive with the same ID already exists
// nothing is written and inserted is false.
func Insert(ctx context.Context, q db.Queryer, receive Receive) (r Receive, inserted bool, err error) {
	query := `INSERT INTO receives (id, user_pk, amount_msat, description, payment_request,
		invoice_id, offer_id, internal)
	VALUES (:id, :user_pk, :amount_msat, :description, :payment_request,
		:invoice_id, :offer_id, :internal)
	ON CONFLICT (id) DO NOTHING
	RETURNING ` + columns

	err = db.NamedGet(ctx, q, &r, query, receive)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Receive{}, false, nil
	case err != nil:
		return Receive{}, false, fmt.Errorf("could not insert receive: %w", err)
	}
	return r, true, nil
}

// Get gets the receive with the given ID
func Get(ctx context.Context, q db.Queryer, id string) (Receive, error) {
	var receive Receive
	err := sqlx.GetContext(ctx, q, &receive,
		`SELECT `+columns+` FROM receives WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Receive{}, ErrNotFound
	}
	return receive, err
}

// List lists the receives of a user, newest first. A limit of 0 means no
// limit.
func List(ctx context.Context, q db.Queryer, userPK string, limit, offset int) ([]Receive, error) {
	receives := []Receive{}
	err := sqlx.SelectContext(ctx, q, &receives,
		`SELECT `+columns+` FROM receives WHERE user_pk = $1
		ORDER BY created_at DESC, id LIMIT NULLIF($2, 0) OFFSET $3`,
		userPK, limit, offset)
	return receives, err
}

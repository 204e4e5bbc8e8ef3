// Package invoices stores the payment requests users create to get paid:
// single use BOLT11 invoices and reusable BOLT12 offers.
package invoices

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
	// ErrInvoiceNotFound means no invoice with the given ID exists
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrOfferNotFound means no offer with the given ID exists
	ErrOfferNotFound = errors.New("offer not found")
)

// Status is the state of an invoice or offer
type Status string

const (
	// StatusPending means the request can still be paid
	StatusPending Status = "pending"
	// StatusSettled means the request has been paid
	StatusSettled Status = "settled"
	// StatusExpired means the request expired before it was paid
	StatusExpired Status = "expired"
)

// Invoice is a BOLT11 invoice issued for a user. Its ID is the hex encoded
// payment hash.
type Invoice struct {
	ID             string     `db:"id" json:"id"`
	UserPK         string     `db:"user_pk" json:"userPk"`
	AmountMsat     *int64     `db:"amount_msat" json:"amountMsat"`
	Description    string     `db:"description" json:"description"`
	PaymentRequest string     `db:"payment_request" json:"paymentRequest"`
	Status         Status     `db:"status" json:"status"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expiresAt"`
	SettledAt      *time.Time `db:"settled_at" json:"settledAt"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// WithEffectiveStatus returns the invoice with its status as seen at the
// given time. A pending invoice past its expiry reads as expired.
func (i Invoice) WithEffectiveStatus(now time.Time) Invoice {
	if i.Status == StatusPending && !now.Before(i.ExpiresAt) {
		i.Status = StatusExpired
	}
	return i
}

// Offer is a reusable BOLT12 offer issued for a user
type Offer struct {
	ID             string     `db:"id" json:"id"`
	UserPK         string     `db:"user_pk" json:"userPk"`
	AmountMsat     *int64     `db:"amount_msat" json:"amountMsat"`
	Description    string     `db:"description" json:"description"`
	PaymentRequest string     `db:"payment_request" json:"paymentRequest"`
	Status         Status     `db:"status" json:"status"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expiresAt"`
	SettledAt      *time.Time `db:"settled_at" json:"settledAt"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// WithEffectiveStatus returns the offer with its status as seen at the
// given time
func (o Offer) WithEffectiveStatus(now time.Time) Offer {
	if o.Status == StatusPending && o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
		o.Status = StatusExpired
	}
	return o
}

const (
	invoiceColumns = `id, user_pk, amount_msat, description, payment_request,
	status, expires_at, settled_at, created_at`
	offerColumns = invoiceColumns
)

// InsertInvoice persists the given invoice as pending
func InsertInvoice(ctx context.Context, q db.Queryer, invoice Invoice) (Invoice, error) {
	query := `INSERT INTO invoices (id, user_pk, amount_msat, description, payment_request, expires_at)
	VALUES (:id, :user_pk, :amount_msat, :description, :payment_request, :expires_at)
	RETURNING ` + invoiceColumns

	var inserted Invoice
	if err := db.NamedGet(ctx, q, &inserted, query, invoice); err != nil {
		return Invoice{}, fmt.Errorf("could not insert invoice: %w", err)
	}
	return inserted, nil
}

// GetInvoice gets the invoice with the given ID
func GetInvoice(ctx context.Context, q db.Queryer, id string) (Invoice, error) {
	var invoice Invoice
	err := sqlx.GetContext(ctx, q, &invoice,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return invoice, err
}

// GetInvoiceForUpdate gets the invoice with the given ID and locks its row
func GetInvoiceForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (Invoice, error) {
	var invoice Invoice
	err := sqlx.GetContext(ctx, tx, &invoice,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return invoice, err
}

// ListInvoices lists the invoices of a user, newest first. A limit of 0
// means no limit.
func ListInvoices(ctx context.Context, q db.Queryer, userPK string, limit, offset int) ([]Invoice, error) {
	invoices := []Invoice{}
	err := sqlx.SelectContext(ctx, q, &invoices,
		`SELECT `+invoiceColumns+` FROM invoices WHERE user_pk = $1
		ORDER BY created_at DESC, id LIMIT NULLIF($2, 0) OFFSET $3`,
		userPK, limit, offset)
	return invoices, err
}

// SettleInvoice marks the invoice as settled. Settlement takes precedence
// over expiry, so an expired invoice can still be settled. Settling an
// already settled invoice keeps the original settle time.
func SettleInvoice(ctx context.Context, q db.Queryer, id string, at time.Time) (Invoice, error) {
	var invoice Invoice
	err := sqlx.GetContext(ctx, q, &invoice, `UPDATE invoices
	SET status = 'settled', settled_at = COALESCE(settled_at, $2)
	WHERE id = $1
	RETURNING `+invoiceColumns, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return invoice, err
}

// CountPendingInvoices counts the pending, unexpired invoices of a user
func CountPendingInvoices(ctx context.Context, q db.Queryer, userPK string, now time.Time) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, `SELECT count(*) FROM invoices
	WHERE user_pk = $1 AND status = 'pending' AND expires_at > $2`, userPK, now)
	return count, err
}

// ExpireInvoices marks all pending invoices past their expiry as expired,
// returning how many were changed. If userPK is non-empty only invoices
// of that user are changed.
func ExpireInvoices(ctx context.Context, q db.Queryer, now time.Time, userPK string) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE invoices SET status = 'expired'
	WHERE status = 'pending' AND expires_at <= $1 AND ($2 = '' OR user_pk = $2)`, now, userPK)
	if err != nil {
		return 0, fmt.Errorf("could not expire invoices: %w", err)
	}
	return res.RowsAffected()
}

// InsertOffer persists the given offer as pending
func InsertOffer(ctx context.Context, q db.Queryer, offer Offer) (Offer, error) {
	query := `INSERT INTO offers (id, user_pk, amount_msat, description, payment_request, expires_at)
	VALUES (:id, :user_pk, :amount_msat, :description, :payment_request, :expires_at)
	RETURNING ` + offerColumns

	var inserted Offer
	if err := db.NamedGet(ctx, q, &inserted, query, offer); err != nil {
		return Offer{}, fmt.Errorf("could not insert offer: %w", err)
	}
	return inserted, nil
}

// GetOffer gets the offer with the given ID
func GetOffer(ctx context.Context, q db.Queryer, id string) (Offer, error) {
	var offer Offer
	err := sqlx.GetContext(ctx, q, &offer,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, ErrOfferNotFound
	}
	return offer, err
}

// GetOfferByPaymentRequest gets the offer with the given encoded form
func GetOfferByPaymentRequest(ctx context.Context, q db.Queryer, paymentRequest string) (Offer, error) {
	var offer Offer
	err := sqlx.GetContext(ctx, q, &offer,
		`SELECT `+offerColumns+` FROM offers WHERE payment_request = $1`, paymentRequest)
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, ErrOfferNotFound
	}
	return offer, err
}

// ListOffers lists the offers of a user, newest first
func ListOffers(ctx context.Context, q db.Queryer, userPK string, limit, offset int) ([]Offer, error) {
	offers := []Offer{}
	err := sqlx.SelectContext(ctx, q, &offers,
		`SELECT `+offerColumns+` FROM offers WHERE user_pk = $1
		ORDER BY created_at DESC, id LIMIT NULLIF($2, 0) OFFSET $3`,
		userPK, limit, offset)
	return offers, err
}

// SettleOffer marks the offer as settled. Offers are reusable, so a settled
// offer keeps accepting payments and the first settle time is kept.
func SettleOffer(ctx context.Context, q db.Queryer, id string, at time.Time) (Offer, error) {
	var offer Offer
	err := sqlx.GetContext(ctx, q, &offer, `UPDATE offers
	SET status = 'settled', settled_at = COALESCE(settled_at, $2)
	WHERE id = $1
	RETURNING `+offerColumns, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		return Offer{}, ErrOfferNotFound
	}
	return offer, err
}

// ExpireOffers marks all pending offers past their expiry as expired.
// Offers without expiry never expire.
func ExpireOffers(ctx context.Context, q db.Queryer, now time.Time, userPK string) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE offers SET status = 'expired'
	WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
	AND ($2 = '' OR user_pk = $2)`, now, userPK)
	if err != nil {
		return 0, fmt.Errorf("could not expire offers: %w", err)
	}
	return res.RowsAffected()
}

// Package sends stores outgoing payments. A send is created pending when
// its amount and fee are reserved, and only moves to succeeded or failed
// once.
package sends

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
	// ErrNotFound means no matching send exists
	ErrNotFound = errors.New("send not found")
	// ErrPaymentIDInUse means another send for the same payment is
	// pending or has succeeded
	ErrPaymentIDInUse = errors.New("payment is already in flight or completed")
)

// Status is the state of a send
type Status string

const (
	// StatusPending means the outcome isn't known yet. Pending sends count
	// against the balance.
	StatusPending Status = "pending"
	// StatusSucceeded means the payment went through
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the payment failed, and the amount is released
	StatusFailed Status = "failed"
)

// Terminal checks whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Send is an outgoing payment.
//
// FeeMsat is what the user is charged on top of the amount. It is fixed
// when the send is reserved and is the final fee, whatever routing ends up
// costing the node. That cost is recorded in NetworkFeeMsat once the send
// succeeded. Attempt is the node's index of the dispatch, nil until known.
type Send struct {
	ID             string    `db:"id" json:"id"`
	PaymentID      *string   `db:"payment_id" json:"paymentId"`
	UserPK         string    `db:"user_pk" json:"userPk"`
	AmountMsat     int64     `db:"amount_msat" json:"amountMsat"`
	FeeMsat        int64     `db:"fee_msat" json:"feeMsat"`
	NetworkFeeMsat *int64    `db:"network_fee_msat" json:"networkFeeMsat"`
	Description    string    `db:"description" json:"description"`
	PaymentRequest string    `db:"payment_request" json:"paymentRequest"`
	LnAddress      *string   `db:"ln_address" json:"lnAddress"`
	Status         Status    `db:"status" json:"status"`
	FailureReason  *string   `db:"failure_reason" json:"failureReason"`
	Internal       bool      `db:"internal" json:"internal"`
	Attempt        *int64    `db:"attempt" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Total is what the send deducts from the balance
func (s Send) Total() int64 {
	return s.AmountMsat + s.FeeMsat
}

const columns = `id, payment_id, user_pk, amount_msat, fee_msat, network_fee_msat,
	description, payment_request, ln_address, status, failure_reason, internal,
	attempt, created_at, updated_at`

const activePaymentIDIndex = "sends_active_payment_id_unique"

// Insert persists the given send
func Insert(ctx context.Context, q db.Queryer, send Send) (Send, error) {
	if send.Status == "" {
		send.Status = StatusPending
	}
	query := `INSERT INTO sends (id, payment_id, user_pk, amount_msat, fee_msat,
		description, payment_request, ln_address, status, internal)
	VALUES (:id, :payment_id, :user_pk, :amount_msat, :fee_msat,
		:description, :payment_request, :ln_address, :status, :internal)
	RETURNING ` + columns

	var inserted Send
	if err := db.NamedGet(ctx, q, &inserted, query, send); err != nil {
		if db.IsUniqueViolation(err, activePaymentIDIndex) {
			return Send{}, ErrPaymentIDInUse
		}
		return Send{}, fmt.Errorf("could not insert send: %w", err)
	}
	return inserted, nil
}

// Get gets the send with the given ID
func Get(ctx context.Context, q db.Queryer, id string) (Send, error) {
	return getOne(ctx, q, `SELECT `+columns+` FROM sends WHERE id = $1`, id)
}

// GetForUpdate gets the send with the given ID and locks its row
func GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (Send, error) {
	return getOne(ctx, tx, `SELECT `+columns+` FROM sends WHERE id = $1 FOR UPDATE`, id)
}

// GetByPaymentID gets the send the node reports outcomes for under the
// given payment ID. A payment ID can belong to several failed sends and at
// most one other, and the other one is preferred.
func GetByPaymentID(ctx context.Context, q db.Queryer, paymentID string) (Send, error) {
	return getOne(ctx, q, `SELECT `+columns+` FROM sends WHERE payment_id = $1
	ORDER BY (status = 'failed'), created_at DESC LIMIT 1`, paymentID)
}

func getOne(ctx context.Context, q db.Queryer, query string, args ...interface{}) (Send, error) {
	var send Send
	err := sqlx.GetContext(ctx, q, &send, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return Send{}, ErrNotFound
	}
	return send, err
}

// List lists the sends of a user, newest first. A limit of 0 means no
// limit.
func List(ctx context.Context, q db.Queryer, userPK string, limit, offset int) ([]Send, error) {
	sends := []Send{}
	err := sqlx.SelectContext(ctx, q, &sends,
		`SELECT `+columns+` FROM sends WHERE user_pk = $1
		ORDER BY created_at DESC, id LIMIT NULLIF($2, 0) OFFSET $3`,
		userPK, limit, offset)
	return sends, err
}

// ListPending lists all pending sends that went through the node, oldest
// first
func ListPending(ctx context.Context, q db.Queryer) ([]Send, error) {
	sends := []Send{}
	err := sqlx.SelectContext(ctx, q, &sends,
		`SELECT `+columns+` FROM sends
		WHERE status = 'pending' AND NOT internal AND payment_id IS NOT NULL
		ORDER BY created_at`)
	return sends, err
}

// CountPending counts the pending sends of a user
func CountPending(ctx context.Context, q db.Queryer, userPK string) (int64, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count,
		`SELECT count(*) FROM sends WHERE user_pk = $1 AND status = 'pending'`, userPK)
	return count, err
}

// MarkSucceeded moves a pending send to succeeded, recording what the
// network charged for routing it. A non-nil attempt is recorded too. It
// returns ErrNotFound if the send isn't pending.
func MarkSucceeded(ctx context.Context, q db.Queryer, id string, networkFeeMsat int64, attempt *int64) (Send, error) {
	return getOne(ctx, q, `UPDATE sends
	SET status = 'succeeded', network_fee_msat = $2, attempt = COALESCE($3, attempt),
		updated_at = now()
	WHERE id = $1 AND status = 'pending'
	RETURNING `+columns, id, networkFeeMsat, attempt)
}

// MarkFailed moves a pending send to failed. A non-nil attempt is recorded
// too. It returns ErrNotFound if the send isn't pending.
func MarkFailed(ctx context.Context, q db.Queryer, id string, reason string, attempt *int64) (Send, error) {
	return getOne(ctx, q, `UPDATE sends
	SET status = 'failed', failure_reason = $2, attempt = COALESCE($3, attempt),
		updated_at = now()
	WHERE id = $1 AND status = 'pending'
	RETURNING `+columns, id, reason, attempt)
}

// SetAttempt records the node's index of the dispatch of a pending send
func SetAttempt(ctx context.Context, q db.Queryer, id string, attempt int64) (Send, error) {
	return getOne(ctx, q, `UPDATE sends SET attempt = $2, updated_at = now()
	WHERE id = $1 AND status = 'pending'
	RETURNING `+columns, id, attempt)
}

// AttemptTaken checks whether a send other than exceptID was dispatched
// under the payment ID with the given attempt
func AttemptTaken(ctx context.Context, q db.Queryer, paymentID string, attempt int64, exceptID string) (bool, error) {
	var taken bool
	err := sqlx.GetContext(ctx, q, &taken, `SELECT EXISTS (
		SELECT 1 FROM sends WHERE payment_id = $1 AND attempt = $2 AND id <> $3
	)`, paymentID, attempt, exceptID)
	return taken, err
}

// SetPaymentID changes the payment ID of a pending send
func SetPaymentID(ctx context.Context, q db.Queryer, id, paymentID string) (Send, error) {
	send, err := getOne(ctx, q, `UPDATE sends SET payment_id = $2, updated_at = now()
	WHERE id = $1 AND status = 'pending'
	RETURNING `+columns, id, paymentID)
	if db.IsUniqueViolation(err, activePaymentIDIndex) {
		return Send{}, ErrPaymentIDInUse
	}
	return send, err
}

// DeletePending removes a send that is still pending. It returns
// ErrNotFound if the send doesn't exist or isn't pending.
func DeletePending(ctx context.Context, q db.Queryer, id string) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM sends WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("could not delete send: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

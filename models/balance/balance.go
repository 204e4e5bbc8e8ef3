// Package balance derives user balances from receives and sends. Balances
// are never stored, only computed.
package balance

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"gitlab.com/arcanecrypto/lnbank/db"
)

// Balance is an amount of millisatoshis
type Balance int64

// MilliSats returns the balance in millisatoshis
func (b Balance) MilliSats() int64 {
	return int64(b)
}

// Sats returns the balance in satoshis, rounded down
func (b Balance) Sats() int64 {
	return int64(b) / 1000
}

// the sum of all receives, minus amount and fee of all sends that aren't
// failed
const balanceQuery = `SELECT
	(SELECT COALESCE(SUM(amount_msat), 0) FROM receives WHERE user_pk = $1) -
	(SELECT COALESCE(SUM(amount_msat + fee_msat), 0) FROM sends
		WHERE user_pk = $1 AND status IN ('pending', 'succeeded'))`

// ForUser calculates the balance of the given user
func ForUser(ctx context.Context, q db.Queryer, userPK string) (Balance, error) {
	var balance int64
	if err := sqlx.GetContext(ctx, q, &balance, balanceQuery, userPK); err != nil {
		return 0, fmt.Errorf("could not calculate balance: %w", err)
	}
	return Balance(balance), nil
}

// UserBalance is the balance of a single user
type UserBalance struct {
	PublicKey   string `db:"public_key" json:"publicKey"`
	BalanceMsat int64  `db:"balance_msat" json:"balanceMsat"`
}

// ForAllUsers calculates the balance of every user
func ForAllUsers(ctx context.Context, q db.Queryer) ([]UserBalance, error) {
	balances := []UserBalance{}
	err := sqlx.SelectContext(ctx, q, &balances, `
	SELECT u.public_key,
		COALESCE((SELECT SUM(r.amount_msat) FROM receives r WHERE r.user_pk = u.public_key), 0) -
		COALESCE((SELECT SUM(s.amount_msat + s.fee_msat) FROM sends s
			WHERE s.user_pk = u.public_key AND s.status IN ('pending', 'succeeded')), 0) AS balance_msat
	FROM users u
	ORDER BY u.created_at, u.public_key`)
	if err != nil {
		return nil, fmt.Errorf("could not calculate balances: %w", err)
	}
	return balances, nil
}

// Total is the sum of all user balances, i.e. what the operator owes its
// users
func Total(ctx context.Context, q db.Queryer) (Balance, error) {
	var total int64
	err := sqlx.GetContext(ctx, q, &total, `SELECT
		(SELECT COALESCE(SUM(amount_msat), 0) FROM receives) -
		(SELECT COALESCE(SUM(amount_msat + fee_msat), 0) FROM sends WHERE status IN ('pending', 'succeeded'))`)
	return Balance(total), err
}

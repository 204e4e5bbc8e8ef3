// Package policy computes outgoing payment fees and validates amount and
// pending payment bounds. Everything here is pure.
package policy

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAmountOutOfRange means an amount is below the minimum or above
	// the maximum allowed
	ErrAmountOutOfRange = errors.New("amount out of range")
	// ErrPendingLimitExceeded means the user has too many pending payments
	ErrPendingLimitExceeded = errors.New("too many pending payments")
)

// Policy holds the operator configured fee and limit parameters
type Policy struct {
	// FeePPM is the proportional fee in parts per million
	FeePPM int64 `json:"feePpm"`
	// BaseFeeMsat is charged on every outgoing payment
	BaseFeeMsat int64 `json:"baseFeeMsat"`
	// InvoiceExpiry is used for invoices where the user gives no expiry
	InvoiceExpiry time.Duration `json:"invoiceExpiry"`
	MinAmountSats int64         `json:"minAmountSats"`
	MaxAmountSats int64         `json:"maxAmountSats"`
	// MaxPendingPerUser is how many pending invoices and sends a single
	// user can have at the same time
	MaxPendingPerUser int64 `json:"maxPendingPerUser"`
}

// Default values, also used as CLI flag defaults
const (
	DefaultFeePPM            = 10000
	DefaultBaseFeeMsat       = 50000
	DefaultInvoiceExpirySecs = 3600
	DefaultMinAmountSats     = 1
	DefaultMaxAmountSats     = 100000
	DefaultMaxPendingPerUser = 10
)

// Default returns the default policy
func Default() Policy {
	return Policy{
		FeePPM:            DefaultFeePPM,
		BaseFeeMsat:       DefaultBaseFeeMsat,
		InvoiceExpiry:     DefaultInvoiceExpirySecs * time.Second,
		MinAmountSats:     DefaultMinAmountSats,
		MaxAmountSats:     DefaultMaxAmountSats,
		MaxPendingPerUser: DefaultMaxPendingPerUser,
	}
}

// Validate checks that the policy is consistent
func (p Policy) Validate() error {
	switch {
	case p.FeePPM < 0:
		return fmt.Errorf("fee PPM cannot be negative, got %d", p.FeePPM)
	case p.BaseFeeMsat < 0:
		return fmt.Errorf("base fee cannot be negative, got %d", p.BaseFeeMsat)
	case p.InvoiceExpiry <= 0:
		return fmt.Errorf("invoice expiry must be positive, got %s", p.InvoiceExpiry)
	case p.MinAmountSats <= 0:
		return fmt.Errorf("min amount must be positive, got %d", p.MinAmountSats)
	case p.MaxAmountSats < p.MinAmountSats:
		return fmt.Errorf("max amount (%d) is less than min amount (%d)", p.MaxAmountSats, p.MinAmountSats)
	case p.MaxPendingPerUser <= 0:
		return fmt.Errorf("max pending payments must be positive, got %d", p.MaxPendingPerUser)
	}
	return nil
}

// MinAmountMsat is the smallest allowed amount
func (p Policy) MinAmountMsat() int64 {
	return p.MinAmountSats * 1000
}

// MaxAmountMsat is the largest allowed amount
func (p Policy) MaxAmountMsat() int64 {
	return p.MaxAmountSats * 1000
}

// FeeMsat is the fee charged for sending the given amount,
// floor(amount * ppm / 1 000 000) + base. The amount is split to keep the
// multiplication from overflowing.
func (p Policy) FeeMsat(amountMsat int64) int64 {
	const million = 1000000
	whole, rest := amountMsat/million, amountMsat%million
	return whole*p.FeePPM + rest*p.FeePPM/million + p.BaseFeeMsat
}

// ValidateAmount checks that the amount is within the allowed bounds
func (p Policy) ValidateAmount(amountMsat int64) error {
	if amountMsat < p.MinAmountMsat() || amountMsat > p.MaxAmountMsat() {
		return fmt.Errorf("%w: %d msat is not within [%d, %d]",
			ErrAmountOutOfRange, amountMsat, p.MinAmountMsat(), p.MaxAmountMsat())
	}
	return nil
}

// ValidatePendingCount checks that a user with the given number of pending
// payments can create another one
func (p Policy) ValidatePendingCount(count int64) error {
	if count >= p.MaxPendingPerUser {
		return fmt.Errorf("%w: %d pending, max is %d",
			ErrPendingLimitExceeded, count, p.MaxPendingPerUser)
	}
	return nil
}

// InvoiceExpiryOrDefault returns the given expiry, or the policy default
// if it isn't positive
func (p Policy) InvoiceExpiryOrDefault(expiry time.Duration) time.Duration {
	if expiry <= 0 {
		return p.InvoiceExpiry
	}
	return expiry
}

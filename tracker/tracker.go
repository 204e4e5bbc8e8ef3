// Package tracker handles the payment requests of users: invoices and
// offers they create to get paid, and the sends they make to pay others.
package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/balance"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/models/users"
	"gitlab.com/arcanecrypto/lnbank/payreq"
	"gitlab.com/arcanecrypto/lnbank/policy"
)

var log = build.AddSubLogger("TRCK")

var (
	// ErrSendDispatchFailed means the node refused the payment. Its
	// reservation has been released.
	ErrSendDispatchFailed = errors.New("payment could not be dispatched")
	// ErrAmountRequired means the payment request doesn't fix an amount,
	// and none was given
	ErrAmountRequired = errors.New("amount is required for this payment request")
	// ErrAmountMismatch means the given amount doesn't fit the amount the
	// payment request asks for
	ErrAmountMismatch = errors.New("amount doesn't match the payment request")
	// ErrOwnPaymentRequest means the user tried to pay itself
	ErrOwnPaymentRequest = errors.New("this is your own payment request")
	// ErrRequestNotPayable means the request is expired or already paid
	ErrRequestNotPayable = ledger.ErrRequestNotPayable
	// ErrFeeTooHigh means the fee is above the maximum the user accepts
	ErrFeeTooHigh = errors.New("fee exceeds the maximum fee")
	// ErrUserNotFound means the user doesn't exist
	ErrUserNotFound = users.ErrNotFound
)

const defaultDispatchTimeout = 30 * time.Second

// releasing a refused send's reservation is retried with a doubling delay
const (
	releaseAttempts   = 5
	releaseRetryDelay = 100 * time.Millisecond
)

// Resolver turns LNURL and Lightning address requests into invoices
type Resolver interface {
	Resolve(ctx context.Context, request payreq.Request, amountMsat int64) (payreq.Request, error)
}

// Config holds what a Tracker needs
type Config struct {
	DB     *db.DB
	Node   ln.Node
	Ledger *ledger.Ledger
	Policy policy.Policy
	// Resolver defaults to a payreq.Resolver for the node's network
	Resolver Resolver
	Events   events.Publisher
	Metrics  *metrics.Metrics
	// DispatchTimeout is how long to wait for the node to take a payment.
	// A payment that times out stays pending.
	DispatchTimeout time.Duration
}

// Tracker creates and lists invoices, offers and sends
type Tracker struct {
	db              *db.DB
	node            ln.Node
	ledger          *ledger.Ledger
	policy          policy.Policy
	resolver        Resolver
	events          events.Publisher
	metrics         *metrics.Metrics
	dispatchTimeout time.Duration
	now             func() time.Time
	// release undoes the reservation of a send the node refused
	release func(ctx context.Context, sendID string) error
}

// New creates a tracker
func New(cfg Config) *Tracker {
	t := &Tracker{
		db:              cfg.DB,
		node:            cfg.Node,
		ledger:          cfg.Ledger,
		policy:          cfg.Policy,
		resolver:        cfg.Resolver,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		dispatchTimeout: cfg.DispatchTimeout,
		now:             time.Now,
	}
	if cfg.Ledger != nil {
		t.release = cfg.Ledger.ReleaseReservation
	}
	if t.resolver == nil {
		t.resolver = payreq.NewResolver(cfg.Node.Network())
	}
	if t.events == nil {
		t.events = events.Discard{}
	}
	if t.dispatchTimeout <= 0 {
		t.dispatchTimeout = defaultDispatchTimeout
	}
	return t
}

// Policy is the fee and limit policy the tracker enforces
func (t *Tracker) Policy() policy.Policy {
	return t.policy
}

func (t *Tracker) ensureUser(ctx context.Context, userPK string) error {
	exists, err := users.Exists(ctx, t.db, userPK)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	return nil
}

// countPending counts the pending, unexpired invoices and pending sends of
// the user
func (t *Tracker) countPending(ctx context.Context, q db.Queryer, userPK string) (int64, error) {
	pendingInvoices, err := invoices.CountPendingInvoices(ctx, q, userPK, t.now())
	if err != nil {
		return 0, err
	}
	pendingSends, err := sends.CountPending(ctx, q, userPK)
	if err != nil {
		return 0, err
	}
	return pendingInvoices + pendingSends, nil
}

func (t *Tracker) pendingCheck(userPK string) ledger.Check {
	return func(ctx context.Context, q db.Queryer) error {
		count, err := t.countPending(ctx, q, userPK)
		if err != nil {
			return err
		}
		return t.policy.ValidatePendingCount(count)
	}
}

// validateAmount checks optional request amounts
func (t *Tracker) validateAmount(amountMsat *int64) error {
	if amountMsat == nil {
		return nil
	}
	return t.policy.ValidateAmount(*amountMsat)
}

// Balance is the current balance of the user
func (t *Tracker) Balance(ctx context.Context, userPK string) (balance.Balance, error) {
	if err := t.ensureUser(ctx, userPK); err != nil {
		return 0, err
	}
	return t.ledger.Balance(ctx, userPK)
}

// Fees is what clients need to preview fees and limits
type Fees struct {
	FeePPM            int64 `json:"feePpm"`
	BaseFeeMsat       int64 `json:"baseFeeMsat"`
	MinAmountMsat     int64 `json:"minAmountMsat"`
	MaxAmountMsat     int64 `json:"maxAmountMsat"`
	MaxPendingPerUser int64 `json:"maxPendingPerUser"`
	InvoiceExpirySecs int64 `json:"invoiceExpirySecs"`
}

// Fees returns the fee policy
func (t *Tracker) Fees() Fees {
	return Fees{
		FeePPM:            t.policy.FeePPM,
		BaseFeeMsat:       t.policy.BaseFeeMsat,
		MinAmountMsat:     t.policy.MinAmountMsat(),
		MaxAmountMsat:     t.policy.MaxAmountMsat(),
		MaxPendingPerUser: t.policy.MaxPendingPerUser,
		InvoiceExpirySecs: int64(t.policy.InvoiceExpiry / time.Second),
	}
}

// ExpireStaleInvoices moves pending invoices and offers past their expiry
// to expired, and returns how many changed. Settled requests are never
// touched, so it can run at any time.
func (t *Tracker) ExpireStaleInvoices(ctx context.Context) (int64, error) {
	now := t.now()
	expiredInvoices, err := invoices.ExpireInvoices(ctx, t.db, now, "")
	if err != nil {
		return 0, err
	}
	expiredOffers, err := invoices.ExpireOffers(ctx, t.db, now, "")
	if err != nil {
		return expiredInvoices, err
	}

	total := expiredInvoices + expiredOffers
	t.metrics.Expired(total)
	if total > 0 {
		log.WithFields(logrus.Fields{
			"invoices": expiredInvoices,
			"offers":   expiredOffers,
		}).Info("Expired stale payment requests")
	}
	return total, nil
}

// ListInvoices lists the invoices of the user, newest first
func (t *Tracker) ListInvoices(ctx context.Context, userPK string, limit, offset int) ([]invoices.Invoice, error) {
	list, err := invoices.ListInvoices(ctx, t.db, userPK, limit, offset)
	if err != nil {
		return nil, err
	}
	now := t.now()
	for i := range list {
		list[i] = list[i].WithEffectiveStatus(now)
	}
	return list, nil
}

// GetInvoice gets an invoice of the user
func (t *Tracker) GetInvoice(ctx context.Context, userPK, id string) (invoices.Invoice, error) {
	invoice, err := invoices.GetInvoice(ctx, t.db, id)
	if err != nil {
		return invoices.Invoice{}, err
	}
	if invoice.UserPK != userPK {
		return invoices.Invoice{}, invoices.ErrInvoiceNotFound
	}
	return invoice.WithEffectiveStatus(t.now()), nil
}

// ListOffers lists the offers of the user, newest first
func (t *Tracker) ListOffers(ctx context.Context, userPK string, limit, offset int) ([]invoices.Offer, error) {
	list, err := invoices.ListOffers(ctx, t.db, userPK, limit, offset)
	if err != nil {
		return nil, err
	}
	now := t.now()
	for i := range list {
		list[i] = list[i].WithEffectiveStatus(now)
	}
	return list, nil
}

// ListSends lists the sends of the user, newest first
func (t *Tracker) ListSends(ctx context.Context, userPK string, limit, offset int) ([]sends.Send, error) {
	return sends.List(ctx, t.db, userPK, limit, offset)
}

// GetSend gets a send of the user
func (t *Tracker) GetSend(ctx context.Context, userPK, id string) (sends.Send, error) {
	send, err := sends.Get(ctx, t.db, id)
	if err != nil {
		return sends.Send{}, err
	}
	if send.UserPK != userPK {
		return sends.Send{}, sends.ErrNotFound
	}
	return send, nil
}

// ListReceives lists the receives of the user, newest first
func (t *Tracker) ListReceives(ctx context.Context, userPK string, limit, offset int) ([]receives.Receive, error) {
	return receives.List(ctx, t.db, userPK, limit, offset)
}

// ListPayments lists receives and sends of the user together, newest
// first. A limit of 0 means no limit.
func (t *Tracker) ListPayments(ctx context.Context, userPK string, limit, offset int) ([]ledger.Payment, error) {
	window := 0
	if limit > 0 {
		window = limit + offset
	}
	received, err := receives.List(ctx, t.db, userPK, window, 0)
	if err != nil {
		return nil, err
	}
	sent, err := sends.List(ctx, t.db, userPK, window, 0)
	if err != nil {
		return nil, err
	}

	payments := make([]ledger.Payment, 0, len(received)+len(sent))
	r, s := 0, 0
	for r < len(received) || s < len(sent) {
		if s == len(sent) || (r < len(received) && !received[r].CreatedAt.Before(sent[s].CreatedAt)) {
			payments = append(payments, ledger.PaymentFromReceive(received[r]))
			r++
		} else {
			payments = append(payments, ledger.PaymentFromSend(sent[s]))
			s++
		}
	}

	if offset >= len(payments) {
		return []ledger.Payment{}, nil
	}
	payments = payments[offset:]
	if limit > 0 && limit < len(payments) {
		payments = payments[:limit]
	}
	return payments, nil
}

func (t *Tracker) publishUpdate(userPK string, data interface{}) {
	t.events.Publish(userPK, events.Event{Kind: events.KindUpdate, Data: data})
}

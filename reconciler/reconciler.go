// Package reconciler applies the payment outcomes reported by the node to
// the ledger. Events are delivered at least once, and applying one is
// idempotent, so every event has its effect on the ledger exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/async"
	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
)

var log = build.AddSubLogger("RECN")

const (
	// DefaultResyncGrace is how old a pending send the node has never
	// heard of must be before Resync fails it
	DefaultResyncGrace = 10 * time.Minute

	// reason recorded for sends failed by Resync
	unknownPaymentReason = "payment unknown to node"
)

// DefaultBackoff is used between attempts at applying an event and between
// subscriptions to the node
var DefaultBackoff = async.Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
}

// results reported to metrics
const (
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultDropped   = "dropped"
	resultStale     = "stale"
)

// Config configures a Reconciler
type Config struct {
	DB      *db.DB
	Node    ln.Node
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics
	// Backoff defaults to DefaultBackoff
	Backoff async.Backoff
	// ResyncGrace defaults to DefaultResyncGrace
	ResyncGrace time.Duration
}

// Reconciler drains the node's event stream
type Reconciler struct {
	db          *db.DB
	node        ln.Node
	ledger      *ledger.Ledger
	metrics     *metrics.Metrics
	backoff     async.Backoff
	resyncGrace time.Duration
	now         func() time.Time
}

// New creates a Reconciler
func New(cfg Config) *Reconciler {
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ResyncGrace <= 0 {
		cfg.ResyncGrace = DefaultResyncGrace
	}
	return &Reconciler{
		db:          cfg.DB,
		node:        cfg.Node,
		ledger:      cfg.Ledger,
		metrics:     cfg.Metrics,
		backoff:     cfg.Backoff,
		resyncGrace: cfg.ResyncGrace,
		now:         time.Now,
	}
}

// Run applies events from the node until the context is done. When the
// event stream ends it subscribes again. The node doesn't replay outcomes
// of sent payments, so after every subscription pending sends are resynced
// to pick up outcomes reported while not subscribed. Run only returns when
// ctx is done, and then returns nil.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		var stream <-chan ln.Event
		err := async.RetryUntilCanceled(ctx, r.backoff, func(ctx context.Context) error {
			var err error
			stream, err = r.node.SubscribeEvents(ctx)
			return err
		}, func(err error, attempt int) {
			log.WithError(err).WithField("attempt", attempt).Warn("Could not subscribe to node events")
		})
		if err != nil {
			return nil
		}
		log.Info("Subscribed to node events")

		// events arriving meanwhile wait in the stream, and applying an
		// outcome twice changes nothing
		if _, err := r.Resync(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Could not resync pending sends")
		}

		for event := range stream {
			if err := r.handle(ctx, event); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		log.Warn("Node event stream ended, subscribing again")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.backoff.Initial):
		}
	}
}

// handle applies and acknowledges the event, retrying until both succeed.
// The only error returned is the context error.
func (r *Reconciler) handle(ctx context.Context, event ln.Event) error {
	return async.RetryUntilCanceled(ctx, r.backoff, func(ctx context.Context) error {
		if err := r.Apply(ctx, event); err != nil {
			return err
		}
		if err := r.node.Ack(ctx, event); err != nil {
			return fmt.Errorf("could not acknowledge event: %w", err)
		}
		return nil
	}, func(err error, attempt int) {
		r.metrics.ReconcileRetry()
		log.WithError(err).WithFields(logrus.Fields{
			"kind":      event.Kind,
			"paymentId": event.PaymentID,
			"attempt":   attempt,
		}).Warn("Could not apply node event, retrying")
	})
}

// Apply applies a single event. Events that were already applied, and
// events that belong to no invoice, offer or send, are logged and ignored.
// An error means the event should be applied again later.
func (r *Reconciler) Apply(ctx context.Context, event ln.Event) error {
	var result string
	var err error
	switch event.Kind {
	case ln.PaymentReceived:
		result, err = r.applyReceived(ctx, event)
	case ln.PaymentSent:
		result, err = r.applyOutcome(ctx, event, ledger.Succeeded(event.FeeMsat).ForAttempt(event.Attempt))
	case ln.PaymentFailed:
		result, err = r.applyOutcome(ctx, event, ledger.Failed(event.Reason).ForAttempt(event.Attempt))
	default:
		log.WithField("kind", event.Kind).Warn("Dropping node event of unknown kind")
		result = resultDropped
	}
	if err != nil {
		return err
	}
	r.metrics.ReconciledEvent(event.Kind.String(), result)
	return nil
}

func (r *Reconciler) applyReceived(ctx context.Context, event ln.Event) (string, error) {
	logger := log.WithFields(logrus.Fields{
		"paymentId":  event.PaymentID,
		"requestId":  event.RequestID,
		"amountMsat": event.AmountMsat,
	})
	if event.PaymentID == "" || event.RequestID == "" || event.AmountMsat <= 0 {
		logger.Warn("Dropping incomplete received payment")
		return resultDropped, nil
	}

	receive := receives.Receive{
		ID:         event.PaymentID,
		AmountMsat: event.AmountMsat,
	}

	invoice, err := invoices.GetInvoice(ctx, r.db, event.RequestID)
	switch {
	case err == nil:
		receive.UserPK = invoice.UserPK
		receive.Description = invoice.Description
		receive.PaymentRequest = invoice.PaymentRequest
		receive.InvoiceID = &invoice.ID
	case errors.Is(err, invoices.ErrInvoiceNotFound):
		offer, err := invoices.GetOffer(ctx, r.db, event.RequestID)
		if errors.Is(err, invoices.ErrOfferNotFound) {
			logger.Info("Dropping payment received for unknown request")
			return resultDropped, nil
		}
		if err != nil {
			return "", err
		}
		receive.UserPK = offer.UserPK
		receive.Description = offer.Description
		receive.PaymentRequest = offer.PaymentRequest
		receive.OfferID = &offer.ID
	default:
		return "", err
	}

	_, err = r.ledger.Credit(ctx, receive)
	if errors.Is(err, ledger.ErrDuplicateSettlement) {
		logger.Debug("Payment was already credited")
		return resultDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	return resultApplied, nil
}

func (r *Reconciler) applyOutcome(ctx context.Context, event ln.Event, outcome ledger.Outcome) (string, error) {
	logger := log.WithFields(logrus.Fields{
		"kind":      event.Kind,
		"paymentId": event.PaymentID,
	})
	send, err := sends.GetByPaymentID(ctx, r.db, event.PaymentID)
	if errors.Is(err, sends.ErrNotFound) {
		logger.Info("Dropping outcome of unknown payment")
		return resultDropped, nil
	}
	if err != nil {
		return "", err
	}

	_, changed, err := r.ledger.FinalizeSend(ctx, send.ID, outcome)
	if errors.Is(err, ledger.ErrStaleOutcome) {
		logger.WithFields(logrus.Fields{
			"sendId":  send.ID,
			"attempt": event.Attempt,
		}).Info("Dropping outcome of an earlier attempt")
		return resultStale, nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return resultDuplicate, nil
	}
	return resultApplied, nil
}

// Resync asks the node about every pending send and applies the outcomes
// it knows of. Sends the node has never heard of are failed once they are
// older than the resync grace period. It returns how many sends were
// resolved.
func (r *Reconciler) Resync(ctx context.Context) (int, error) {
	pending, err := sends.ListPending(ctx, r.db)
	if err != nil {
		return 0, fmt.Errorf("could not list pending sends: %w", err)
	}

	resolved := 0
	for _, send := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		ok, err := r.resyncSend(ctx, send)
		if err != nil {
			log.WithError(err).WithField("sendId", send.ID).Warn("Could not resync send")
			continue
		}
		if ok {
			resolved++
		}
	}

	log.WithFields(logrus.Fields{
		"pending":  len(pending),
		"resolved": resolved,
	}).Info("Resynced pending sends")
	return resolved, nil
}

func (r *Reconciler) resyncSend(ctx context.Context, send sends.Send) (bool, error) {
	event, done, err := r.node.LookupPayment(ctx, *send.PaymentID)
	if errors.Is(err, ln.ErrPaymentNotFound) {
		if r.now().Sub(send.CreatedAt) < r.resyncGrace {
			return false, nil
		}
		_, changed, err := r.ledger.FinalizeSend(ctx, send.ID, ledger.Failed(unknownPaymentReason))
		return changed, err
	}
	if err != nil || !done {
		return false, err
	}

	var outcome ledger.Outcome
	switch event.Kind {
	case ln.PaymentSent:
		outcome = ledger.Succeeded(event.FeeMsat)
	case ln.PaymentFailed:
		outcome = ledger.Failed(event.Reason)
	default:
		return false, fmt.Errorf("node reported %s as outcome of a send", event.Kind)
	}
	_, changed, err := r.ledger.FinalizeSend(ctx, send.ID, outcome.ForAttempt(event.Attempt))
	if errors.Is(err, ledger.ErrStaleOutcome) {
		return false, nil
	}
	return changed, err
}

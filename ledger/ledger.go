// Package ledger keeps the per user accounts. Balances are never stored,
// they are derived from the receives and sends of a user. Every operation
// that reads a balance to change it runs in a transaction holding the
// user's row lock, so operations on the same user are serialized while
// different users never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/build"
	"gitlab.com/arcanecrypto/lnbank/db"
	"gitlab.com/arcanecrypto/lnbank/events"
	"gitlab.com/arcanecrypto/lnbank/metrics"
	"gitlab.com/arcanecrypto/lnbank/models/balance"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/models/users"
)

var log = build.AddSubLogger("LDGR")

var (
	// ErrInsufficientBalance means the user can't cover the amount and fee
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateSettlement means the settlement was already credited.
	// Callers treat it as a no-op.
	ErrDuplicateSettlement = errors.New("settlement already credited")
	// ErrDuplicatePayment means the same payment is already pending or
	// has succeeded
	ErrDuplicatePayment = errors.New("payment already in flight or completed")
	// ErrRequestNotPayable means the invoice is settled or expired
	ErrRequestNotPayable = errors.New("payment request is no longer payable")
	// ErrUserNotFound means the user doesn't exist
	ErrUserNotFound = users.ErrNotFound
	// ErrStaleOutcome means the outcome belongs to an earlier dispatch of
	// the same payment than the send it was matched with
	ErrStaleOutcome = errors.New("outcome of an earlier payment attempt")
)

// Check is run inside the transaction of an operation, after the user is
// locked. A returned error aborts the operation.
type Check func(ctx context.Context, q db.Queryer) error

// Ledger applies balance changing operations
type Ledger struct {
	db      *db.DB
	events  events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a ledger. Both publisher and m may be nil.
func New(d *db.DB, publisher events.Publisher, m *metrics.Metrics) *Ledger {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Ledger{db: d, events: publisher, metrics: m, now: time.Now}
}

// Balance is the current balance of the user
func (l *Ledger) Balance(ctx context.Context, userPK string) (balance.Balance, error) {
	return balance.ForUser(ctx, l.db, userPK)
}

// Credit records a received payment and settles the invoice or offer it
// paid, if any, in one transaction. Crediting the same payment ID twice
// fails with ErrDuplicateSettlement and changes nothing.
func (l *Ledger) Credit(ctx context.Context, receive receives.Receive) (receives.Receive, error) {
	var credited receives.Receive
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := users.Lock(ctx, tx, receive.UserPK); err != nil {
			return err
		}

		var inserted bool
		var err error
		credited, inserted, err = receives.Insert(ctx, tx, receive)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateSettlement
		}
		return settleRequest(ctx, tx, receive, l.now())
	})
	if err != nil {
		return receives.Receive{}, err
	}

	source := "invoice"
	if receive.OfferID != nil {
		source = "offer"
	}
	l.metrics.Receive(source)
	log.WithFields(logrus.Fields{
		"userPk":     credited.UserPK,
		"paymentId":  credited.ID,
		"amountMsat": credited.AmountMsat,
	}).Info("Credited payment")

	l.publishBalance(ctx, credited.UserPK)
	l.events.Publish(credited.UserPK, events.Event{Kind: events.KindPayment, Data: PaymentFromReceive(credited)})
	return credited, nil
}

func settleRequest(ctx context.Context, tx *sqlx.Tx, receive receives.Receive, now time.Time) error {
	if receive.InvoiceID != nil {
		if _, err := invoices.SettleInvoice(ctx, tx, *receive.InvoiceID, now); err != nil {
			return fmt.Errorf("could not settle invoice: %w", err)
		}
	}
	if receive.OfferID != nil {
		if _, err := invoices.SettleOffer(ctx, tx, *receive.OfferID, now); err != nil {
			return fmt.Errorf("could not settle offer: %w", err)
		}
	}
	return nil
}

// ReserveForSend creates the send as pending if the user's balance covers
// its amount and fee. The checks are run after the user is locked and
// before the balance is read.
func (l *Ledger) ReserveForSend(ctx context.Context, send sends.Send, checks ...Check) (sends.Send, error) {
	if send.ID == "" {
		send.ID = uuid.NewString()
	}
	send.Status = sends.StatusPending

	var reserved sends.Send
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := users.Lock(ctx, tx, send.UserPK); err != nil {
			return err
		}
		for _, check := range checks {
			if err := check(ctx, tx); err != nil {
				return err
			}
		}
		if err := ensureBalance(ctx, tx, send.UserPK, send.Total()); err != nil {
			return err
		}

		var err error
		reserved, err = sends.Insert(ctx, tx, send)
		if errors.Is(err, sends.ErrPaymentIDInUse) {
			return ErrDuplicatePayment
		}
		return err
	})
	if err != nil {
		return sends.Send{}, err
	}

	l.metrics.Send(string(sends.StatusPending))
	log.WithFields(logrus.Fields{
		"userPk":     reserved.UserPK,
		"sendId":     reserved.ID,
		"amountMsat": reserved.AmountMsat,
		"feeMsat":    reserved.FeeMsat,
	}).Info("Reserved funds for send")

	l.publishBalance(ctx, reserved.UserPK)
	l.events.Publish(reserved.UserPK, events.Event{Kind: events.KindPayment, Data: PaymentFromSend(reserved)})
	return reserved, nil
}

func ensureBalance(ctx context.Context, q db.Queryer, userPK string, totalMsat int64) error {
	current, err := balance.ForUser(ctx, q, userPK)
	if err != nil {
		return err
	}
	if current.MilliSats() < totalMsat {
		return fmt.Errorf("%w: need %d msat, have %d msat",
			ErrInsufficientBalance, totalMsat, current.MilliSats())
	}
	return nil
}

// ReleaseReservation removes a pending send the node never accepted, which
// makes its funds available again
func (l *Ledger) ReleaseReservation(ctx context.Context, sendID string) error {
	send, err := sends.Get(ctx, l.db, sendID)
	if err != nil {
		return err
	}
	if err := sends.DeletePending(ctx, l.db, sendID); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"userPk": send.UserPK,
		"sendId": send.ID,
	}).Info("Released reservation")
	l.publishBalance(ctx, send.UserPK)
	return nil
}

// Outcome is how a send ended
type Outcome struct {
	Succeeded bool
	// NetworkFeeMsat is what routing the payment cost, only for
	// succeeded sends
	NetworkFeeMsat int64
	// Reason is why the payment failed
	Reason string
	// Attempt is the node's index of the dispatch the outcome belongs
	// to, 0 if unknown
	Attempt uint64
}

// Succeeded is the outcome of a payment that went through
func Succeeded(networkFeeMsat int64) Outcome {
	return Outcome{Succeeded: true, NetworkFeeMsat: networkFeeMsat}
}

// Failed is the outcome of a payment that didn't go through
func Failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

// ForAttempt ties the outcome to a dispatch of the payment
func (o Outcome) ForAttempt(attempt uint64) Outcome {
	o.Attempt = attempt
	return o
}

func (o Outcome) attempt() *int64 {
	if o.Attempt == 0 {
		return nil
	}
	attempt := int64(o.Attempt)
	return &attempt
}

// checkAttempt fails with ErrStaleOutcome if the outcome is for another
// dispatch than the send's. A send whose dispatch is unknown rejects
// outcomes of attempts recorded for other sends of the same payment.
func checkAttempt(ctx context.Context, q db.Queryer, send sends.Send, outcome Outcome) error {
	attempt := outcome.attempt()
	if attempt == nil || send.PaymentID == nil {
		return nil
	}
	if send.Attempt != nil {
		if *send.Attempt != *attempt {
			return ErrStaleOutcome
		}
		return nil
	}
	taken, err := sends.AttemptTaken(ctx, q, *send.PaymentID, *attempt, send.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrStaleOutcome
	}
	return nil
}

// FinalizeSend moves a pending send to succeeded or failed. A failed send
// no longer counts against the balance. Finalizing a send that is already
// succeeded or failed changes nothing, and changed is false. An outcome
// with an attempt is recorded on the send, and fails with ErrStaleOutcome
// if the send was dispatched as another attempt.
func (l *Ledger) FinalizeSend(ctx context.Context, sendID string, outcome Outcome) (send sends.Send, changed bool, err error) {
	err = l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockSendOwner(ctx, tx, sendID); err != nil {
			return err
		}
		current, err := sends.GetForUpdate(ctx, tx, sendID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			send = current
			return nil
		}
		if err := checkAttempt(ctx, tx, current, outcome); err != nil {
			return err
		}

		if outcome.Succeeded {
			send, err = sends.MarkSucceeded(ctx, tx, sendID, outcome.NetworkFeeMsat, outcome.attempt())
		} else {
			send, err = sends.MarkFailed(ctx, tx, sendID, outcome.Reason, outcome.attempt())
		}
		changed = err == nil
		return err
	})
	if err != nil {
		return sends.Send{}, false, err
	}
	if !changed {
		log.WithFields(logrus.Fields{
			"sendId": send.ID,
			"status": send.Status,
		}).Debug("Send already finalized")
		return send, false, nil
	}

	l.metrics.Send(string(send.Status))
	log.WithFields(logrus.Fields{
		"userPk": send.UserPK,
		"sendId": send.ID,
		"status": send.Status,
	}).Info("Finalized send")

	if send.Status == sends.StatusFailed {
		l.publishBalance(ctx, send.UserPK)
	}
	l.events.Publish(send.UserPK, events.Event{Kind: events.KindUpdate, Data: PaymentFromSend(send)})
	return send, true, nil
}

// FailSend marks a pending send as failed. Operators use it for sends the
// node has no outcome for.
func (l *Ledger) FailSend(ctx context.Context, sendID, reason string) (sends.Send, error) {
	send, changed, err := l.FinalizeSend(ctx, sendID, Failed(reason))
	if err != nil {
		return sends.Send{}, err
	}
	if !changed {
		return send, fmt.Errorf("send is %s: %w", send.Status, sends.ErrNotFound)
	}
	return send, nil
}

// lockSendOwner locks the user owning the send. The owner can change while
// waiting for the lock if the account is recovered, so the owner is read
// again after locking.
func lockSendOwner(ctx context.Context, tx *sqlx.Tx, sendID string) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		send, err := sends.Get(ctx, tx, sendID)
		if err != nil {
			return err
		}
		err = users.Lock(ctx, tx, send.UserPK)
		if errors.Is(err, users.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		locked, err := sends.Get(ctx, tx, sendID)
		if err != nil {
			return err
		}
		if locked.UserPK == send.UserPK {
			return nil
		}
	}
	return fmt.Errorf("owner of send %s kept changing", sendID)
}

// Transfer describes a payment between two users of this ledger
type Transfer struct {
	PayerPK        string
	PayeePK        string
	AmountMsat     int64
	FeeMsat        int64
	Description    string
	PaymentRequest string
	// One of InvoiceID and OfferID is set
	InvoiceID *string
	OfferID   *string
}

// Transfer moves funds between two users without involving the node. The
// payer gets a succeeded send and the payee a receive, and a paid invoice
// is settled, all in one transaction.
func (l *Ledger) Transfer(ctx context.Context, transfer Transfer, checks ...Check) (sends.Send, receives.Receive, error) {
	if transfer.PayerPK == transfer.PayeePK {
		return sends.Send{}, receives.Receive{}, errors.New("cannot transfer to self")
	}

	var send sends.Send
	var receive receives.Receive
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		// always lock in the same order, or two users paying each other
		// deadlock
		pks := []string{transfer.PayerPK, transfer.PayeePK}
		sort.Strings(pks)
		for _, pk := range pks {
			if err := users.Lock(ctx, tx, pk); err != nil {
				return err
			}
		}
		for _, check := range checks {
			if err := check(ctx, tx); err != nil {
				return err
			}
		}

		now := l.now()
		if transfer.InvoiceID != nil {
			invoice, err := invoices.GetInvoiceForUpdate(ctx, tx, *transfer.InvoiceID)
			if err != nil {
				return err
			}
			if invoice.WithEffectiveStatus(now).Status != invoices.StatusPending {
				return fmt.Errorf("%w: invoice is %s", ErrRequestNotPayable, invoice.WithEffectiveStatus(now).Status)
			}
		}
		if transfer.OfferID != nil {
			offer, err := invoices.GetOffer(ctx, tx, *transfer.OfferID)
			if err != nil {
				return err
			}
			if offer.WithEffectiveStatus(now).Status == invoices.StatusExpired {
				return fmt.Errorf("%w: offer is expired", ErrRequestNotPayable)
			}
		}

		if err := ensureBalance(ctx, tx, transfer.PayerPK, transfer.AmountMsat+transfer.FeeMsat); err != nil {
			return err
		}

		var err error
		send, err = sends.Insert(ctx, tx, sends.Send{
			ID:             uuid.NewString(),
			UserPK:         transfer.PayerPK,
			AmountMsat:     transfer.AmountMsat,
			FeeMsat:        transfer.FeeMsat,
			Description:    transfer.Description,
			PaymentRequest: transfer.PaymentRequest,
			Status:         sends.StatusSucceeded,
			Internal:       true,
		})
		if err != nil {
			return err
		}

		toCredit := receives.Receive{
			ID:             send.ID,
			UserPK:         transfer.PayeePK,
			AmountMsat:     transfer.AmountMsat,
			Description:    transfer.Description,
			PaymentRequest: transfer.PaymentRequest,
			InvoiceID:      transfer.InvoiceID,
			OfferID:        transfer.OfferID,
			Internal:       true,
		}
		var inserted bool
		receive, inserted, err = receives.Insert(ctx, tx, toCredit)
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDuplicateSettlement
		}
		return settleRequest(ctx, tx, toCredit, now)
	})
	if err != nil {
		return sends.Send{}, receives.Receive{}, err
	}

	l.metrics.Send("internal")
	l.metrics.Receive("internal")
	log.WithFields(logrus.Fields{
		"payerPk":    transfer.PayerPK,
		"payeePk":    transfer.PayeePK,
		"sendId":     send.ID,
		"amountMsat": transfer.AmountMsat,
		"feeMsat":    transfer.FeeMsat,
	}).Info("Transferred internally")

	for pk, payment := range map[string]Payment{
		transfer.PayerPK: PaymentFromSend(send),
		transfer.PayeePK: PaymentFromReceive(receive),
	} {
		l.publishBalance(ctx, pk)
		l.events.Publish(pk, events.Event{Kind: events.KindPayment, Data: payment})
	}
	return send, receive, nil
}

func (l *Ledger) publishBalance(ctx context.Context, userPK string) {
	current, err := balance.ForUser(ctx, l.db, userPK)
	if err != nil {
		log.WithError(err).WithField("userPk", userPK).Warn("Could not get balance for event")
		return
	}
	l.events.Publish(userPK, events.Event{Kind: events.KindBalance, Data: current.MilliSats()})
}

package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/async"
	"gitlab.com/arcanecrypto/lnbank/ledger"
	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
	"gitlab.com/arcanecrypto/lnbank/payreq"
)

// SendRequest describes a payment to make
type SendRequest struct {
	// PaymentRequest is a BOLT11 invoice, BOLT12 offer, LNURL or
	// Lightning address
	PaymentRequest string
	// AmountMsat is required when the request doesn't fix an amount
	AmountMsat *int64
	// MaxFeeMsat, if set, is the highest fee the user accepts
	MaxFeeMsat *int64
}

// destination is a payment request with everything needed to pay it
type destination struct {
	request     payreq.Request
	amountMsat  *int64
	description string
	// set when the request was issued by this ledger
	invoice *invoices.Invoice
	offer   *invoices.Offer
}

func (d destination) internal() bool {
	return d.invoice != nil || d.offer != nil
}

func (d destination) ownerPK() string {
	switch {
	case d.invoice != nil:
		return d.invoice.UserPK
	case d.offer != nil:
		return d.offer.UserPK
	}
	return ""
}

// CreateSend pays a payment request. Requests issued by this ledger are
// settled right away as internal transfers. Other requests are reserved
// against the balance and handed to the node, and the returned send stays
// pending until the node reports the outcome.
func (t *Tracker) CreateSend(ctx context.Context, userPK string, req SendRequest) (sends.Send, error) {
	if err := t.ensureUser(ctx, userPK); err != nil {
		return sends.Send{}, err
	}
	parsed, err := payreq.Parse(req.PaymentRequest, t.node.Network())
	if err != nil {
		return sends.Send{}, err
	}

	if parsed.Kind.NeedsResolving() {
		if req.AmountMsat == nil {
			return sends.Send{}, ErrAmountRequired
		}
		if err := t.policy.ValidateAmount(*req.AmountMsat); err != nil {
			return sends.Send{}, err
		}
		if parsed, err = t.resolver.Resolve(ctx, parsed, *req.AmountMsat); err != nil {
			return sends.Send{}, err
		}
	}

	dest, err := t.destination(ctx, parsed)
	if err != nil {
		return sends.Send{}, err
	}
	if dest.ownerPK() == userPK {
		return sends.Send{}, ErrOwnPaymentRequest
	}

	amountMsat, err := pickAmount(dest, req.AmountMsat)
	if err != nil {
		return sends.Send{}, err
	}
	if err := t.policy.ValidateAmount(amountMsat); err != nil {
		return sends.Send{}, err
	}
	feeMsat := t.policy.FeeMsat(amountMsat)
	if req.MaxFeeMsat != nil && feeMsat > *req.MaxFeeMsat {
		return sends.Send{}, fmt.Errorf("%w: fee is %d msat, max is %d msat",
			ErrFeeTooHigh, feeMsat, *req.MaxFeeMsat)
	}
	if dest.request.Expired(t.now()) {
		return sends.Send{}, fmt.Errorf("%w: invoice is expired", ErrRequestNotPayable)
	}

	if dest.internal() {
		return t.transfer(ctx, userPK, dest, amountMsat, feeMsat)
	}
	return t.dispatch(ctx, userPK, dest, amountMsat, feeMsat)
}

// destination looks up whether the request was issued by this ledger, and
// for offers from elsewhere asks the node what they are for
func (t *Tracker) destination(ctx context.Context, request payreq.Request) (destination, error) {
	dest := destination{
		request:     request,
		amountMsat:  request.AmountMsat,
		description: request.Description,
	}

	switch request.Kind {
	case payreq.Bolt11:
		invoice, err := invoices.GetInvoice(ctx, t.db, request.PaymentHash)
		switch {
		case err == nil:
			dest.invoice = &invoice
			dest.amountMsat = invoice.AmountMsat
			dest.description = invoice.Description
		case !errors.Is(err, invoices.ErrInvoiceNotFound):
			return destination{}, err
		}

	case payreq.Bolt12:
		offer, err := invoices.GetOfferByPaymentRequest(ctx, t.db, request.Encoded)
		switch {
		case err == nil:
			dest.offer = &offer
			dest.amountMsat = offer.AmountMsat
			dest.description = offer.Description
			return dest, nil
		case !errors.Is(err, invoices.ErrOfferNotFound):
			return destination{}, err
		}

		info, err := t.node.DecodeOffer(ctx, request.Encoded)
		if err != nil {
			return destination{}, fmt.Errorf("could not decode offer: %w", err)
		}
		dest.amountMsat = info.AmountMsat
		dest.description = info.Description
		dest.request.ExpiresAt = info.ExpiresAt

	default:
		return destination{}, fmt.Errorf("%w: %s can't be paid directly", payreq.ErrUnknownRequest, request.Kind)
	}
	return dest, nil
}

// pickAmount decides what to pay. A request with a fixed amount is paid
// exactly that, except internal requests which can be overpaid.
func pickAmount(dest destination, requested *int64) (int64, error) {
	switch {
	case dest.amountMsat == nil && requested == nil:
		return 0, ErrAmountRequired
	case dest.amountMsat == nil:
		return *requested, nil
	case requested == nil:
		return *dest.amountMsat, nil
	case *requested < *dest.amountMsat:
		return 0, fmt.Errorf("%w: request is for %d msat", ErrAmountMismatch, *dest.amountMsat)
	case *requested > *dest.amountMsat && !dest.internal():
		return 0, fmt.Errorf("%w: request is for %d msat", ErrAmountMismatch, *dest.amountMsat)
	}
	return *requested, nil
}

func (t *Tracker) transfer(ctx context.Context, userPK string, dest destination, amountMsat, feeMsat int64) (sends.Send, error) {
	transfer := ledger.Transfer{
		PayerPK:        userPK,
		PayeePK:        dest.ownerPK(),
		AmountMsat:     amountMsat,
		FeeMsat:        feeMsat,
		Description:    dest.description,
		PaymentRequest: dest.request.Encoded,
	}
	if dest.invoice != nil {
		transfer.InvoiceID = &dest.invoice.ID
	}
	if dest.offer != nil {
		transfer.OfferID = &dest.offer.ID
	}

	send, _, err := t.ledger.Transfer(ctx, transfer, t.pendingCheck(userPK))
	if err != nil {
		return sends.Send{}, err
	}
	return send, nil
}

func (t *Tracker) dispatch(ctx context.Context, userPK string, dest destination, amountMsat, feeMsat int64) (sends.Send, error) {
	toReserve := sends.Send{
		ID:             uuid.NewString(),
		UserPK:         userPK,
		AmountMsat:     amountMsat,
		FeeMsat:        feeMsat,
		Description:    dest.description,
		PaymentRequest: dest.request.Encoded,
	}
	// invoices are reported under their payment hash, offers under an ID
	// we pick
	paymentID := dest.request.PaymentHash
	if paymentID == "" {
		paymentID = toReserve.ID
	}
	toReserve.PaymentID = &paymentID
	if dest.request.Address != "" {
		toReserve.LnAddress = &dest.request.Address
	}

	send, err := t.ledger.ReserveForSend(ctx, toReserve, t.pendingCheck(userPK))
	if err != nil {
		return sends.Send{}, err
	}

	payRequest := ln.PayRequest{
		PaymentID:      paymentID,
		PaymentRequest: dest.request.Encoded,
		MaxFeeMsat:     feeMsat,
	}
	if dest.amountMsat == nil {
		payRequest.AmountMsat = amountMsat
	}

	logger := log.WithFields(logrus.Fields{
		"userPk":     userPK,
		"sendId":     send.ID,
		"paymentId":  paymentID,
		"amountMsat": amountMsat,
	})

	dispatchCtx, cancel := context.WithTimeout(ctx, t.dispatchTimeout)
	defer cancel()
	dispatched, err := t.node.Pay(dispatchCtx, payRequest)
	if err != nil {
		if ln.IsAmbiguous(err) {
			// the node may have taken the payment, so the reservation
			// has to stay until an outcome is known
			t.metrics.DispatchFailure("timeout")
			logger.WithError(err).Warn("Payment dispatch timed out, leaving send pending")
			return send, nil
		}

		t.metrics.DispatchFailure("refused")
		logger.WithError(err).Warn("Node refused payment, releasing reservation")
		if releaseErr := t.releaseReservation(context.WithoutCancel(ctx), send.ID); releaseErr != nil {
			// resync fails it once the grace period is over, the node
			// has never heard of it
			logger.WithError(releaseErr).Error("Could not release reservation")
		}
		return sends.Send{}, fmt.Errorf("%w: %v", ErrSendDispatchFailed, err)
	}

	if dispatched.PaymentID != "" && dispatched.PaymentID != paymentID {
		updated, err := sends.SetPaymentID(context.WithoutCancel(ctx), t.db, send.ID, dispatched.PaymentID)
		switch {
		case err == nil:
			send = updated
		case errors.Is(err, sends.ErrNotFound):
			// already finalized under the old ID
		default:
			logger.WithError(err).Error("Could not update payment ID")
		}
	}
	if dispatched.Attempt != 0 {
		updated, err := sends.SetAttempt(context.WithoutCancel(ctx), t.db, send.ID, int64(dispatched.Attempt))
		switch {
		case err == nil:
			send = updated
		case errors.Is(err, sends.ErrNotFound):
			// the outcome was applied first, and recorded the attempt
		default:
			logger.WithError(err).Error("Could not record payment attempt")
		}
	}

	logger.WithField("attempt", dispatched.Attempt).Info("Dispatched payment")
	return send, nil
}

// releaseReservation retries releasing the reservation of a refused send.
// A send that is gone or no longer pending has nothing left to release.
func (t *Tracker) releaseReservation(ctx context.Context, sendID string) error {
	return async.Retry(releaseAttempts, releaseRetryDelay, func() error {
		err := t.release(ctx, sendID)
		if errors.Is(err, sends.ErrNotFound) {
			return nil
		}
		return err
	})
}

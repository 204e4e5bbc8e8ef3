package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/lnbank/ln"
	"gitlab.com/arcanecrypto/lnbank/models/invoices"
	"gitlab.com/arcanecrypto/lnbank/models/users"
)

// InvoiceRequest describes an invoice to create
type InvoiceRequest struct {
	// nil lets the payer pick the amount
	AmountMsat  *int64
	Description string
	// 0 means the policy default
	Expiry time.Duration
}

// CreateInvoice creates an invoice at the node and stores it as pending
func (t *Tracker) CreateInvoice(ctx context.Context, userPK string, req InvoiceRequest) (invoices.Invoice, error) {
	if err := t.validateAmount(req.AmountMsat); err != nil {
		return invoices.Invoice{}, err
	}
	if err := t.ensureUser(ctx, userPK); err != nil {
		return invoices.Invoice{}, err
	}
	// checked again when storing, this avoids creating invoices at the
	// node for users that are at the limit
	if err := t.pendingCheck(userPK)(ctx, t.db); err != nil {
		return invoices.Invoice{}, err
	}

	expiry := t.policy.InvoiceExpiryOrDefault(req.Expiry)
	created, err := t.node.CreateInvoice(ctx, ln.CreateInvoiceRequest{
		AmountMsat:  req.AmountMsat,
		Description: req.Description,
		Expiry:      expiry,
	})
	if err != nil {
		return invoices.Invoice{}, fmt.Errorf("could not create invoice at node: %w", err)
	}

	expiresAt := t.now().Add(expiry)
	if created.ExpiresAt != nil {
		expiresAt = *created.ExpiresAt
	}

	var invoice invoices.Invoice
	err = t.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := users.Lock(ctx, tx, userPK); err != nil {
			return err
		}
		if err := t.pendingCheck(userPK)(ctx, tx); err != nil {
			return err
		}
		invoice, err = invoices.InsertInvoice(ctx, tx, invoices.Invoice{
			ID:             created.ID,
			UserPK:         userPK,
			AmountMsat:     req.AmountMsat,
			Description:    req.Description,
			PaymentRequest: created.PaymentRequest,
			ExpiresAt:      expiresAt,
		})
		return err
	})
	if err != nil {
		return invoices.Invoice{}, err
	}

	log.WithFields(logrus.Fields{
		"userPk":    userPK,
		"invoiceId": invoice.ID,
		"expiresAt": invoice.ExpiresAt,
	}).Info("Created invoice")
	t.publishUpdate(userPK, invoice)
	return invoice, nil
}

// OfferRequest describes an offer to create
type OfferRequest struct {
	// nil lets the payer pick the amount
	AmountMsat  *int64
	Description string
	// 0 means the offer never expires
	Expiry time.Duration
}

// CreateOffer creates a reusable offer at the node. Offers don't count
// against the pending limit.
func (t *Tracker) CreateOffer(ctx context.Context, userPK string, req OfferRequest) (invoices.Offer, error) {
	if err := t.validateAmount(req.AmountMsat); err != nil {
		return invoices.Offer{}, err
	}
	if err := t.ensureUser(ctx, userPK); err != nil {
		return invoices.Offer{}, err
	}

	created, err := t.node.CreateOffer(ctx, ln.CreateOfferRequest{
		AmountMsat:  req.AmountMsat,
		Description: req.Description,
		Expiry:      req.Expiry,
	})
	if err != nil {
		return invoices.Offer{}, fmt.Errorf("could not create offer at node: %w", err)
	}

	offer, err := invoices.InsertOffer(ctx, t.db, invoices.Offer{
		ID:             created.ID,
		UserPK:         userPK,
		AmountMsat:     req.AmountMsat,
		Description:    req.Description,
		PaymentRequest: created.PaymentRequest,
		ExpiresAt:      created.ExpiresAt,
	})
	if err != nil {
		return invoices.Offer{}, err
	}

	log.WithFields(logrus.Fields{
		"userPk":  userPK,
		"offerId": offer.ID,
	}).Info("Created offer")
	t.publishUpdate(userPK, offer)
	return offer, nil
}

package ln

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CursorStore persists stream positions between restarts
type CursorStore interface {
	Load(ctx context.Context, name string) (uint64, error)
	Save(ctx context.Context, name string, value uint64) error
}

const (
	invoiceSettleCursor = "lnd_invoice_settle_index"
	// how long lnd keeps trying to find a route for a payment
	paymentTimeout = 60 * time.Second
	eventBuffer    = 64
)

// LndNode implements Node and Operator on top of lnd
type LndNode struct {
	lncli   lnrpc.LightningClient
	router  routerrpc.RouterClient
	cursors CursorStore
	network chaincfg.Params
}

var _ Node = (*LndNode)(nil)
var _ Operator = (*LndNode)(nil)

// NewLndNode creates a node from an open lnd connection
func NewLndNode(conn *grpc.ClientConn, network chaincfg.Params, cursors CursorStore) *LndNode {
	return &LndNode{
		lncli:   lnrpc.NewLightningClient(conn),
		router:  routerrpc.NewRouterClient(conn),
		cursors: cursors,
		network: network,
	}
}

// Network is the chain lnd is running on
func (l *LndNode) Network() *chaincfg.Params {
	return &l.network
}

// CheckNetwork verifies that lnd runs on the configured network
func (l *LndNode) CheckNetwork(ctx context.Context) error {
	info, err := l.lncli.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return wrapRPCError(err, "could not get lnd info")
	}

	for _, chain := range info.Chains {
		if chain.Chain == "bitcoin" && strings.HasPrefix(l.network.Name, chain.Network) {
			return nil
		}
	}
	return fmt.Errorf("app (%s) and lnd (%+v) are on different networks", l.network.Name, info.Chains)
}

// CreateInvoice adds an invoice to lnd
func (l *LndNode) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (PaymentRequest, error) {
	invoice := &lnrpc.Invoice{
		Memo:   req.Description,
		Expiry: int64(req.Expiry / time.Second),
	}
	if req.AmountMsat != nil {
		invoice.ValueMsat = *req.AmountMsat
	}

	created := time.Now()
	res, err := l.lncli.AddInvoice(ctx, invoice)
	if err != nil {
		return PaymentRequest{}, wrapRPCError(err, "could not add invoice")
	}

	expiresAt := created.Add(req.Expiry)
	hash := hex.EncodeToString(res.RHash)
	log.WithFields(logrus.Fields{
		"hash":     hash,
		"addIndex": res.AddIndex,
	}).Debug("Added invoice")

	return PaymentRequest{
		ID:             hash,
		PaymentRequest: res.PaymentRequest,
		ExpiresAt:      &expiresAt,
	}, nil
}

// CreateOffer fails, lnd has no offer support
func (l *LndNode) CreateOffer(context.Context, CreateOfferRequest) (PaymentRequest, error) {
	return PaymentRequest{}, ErrOffersUnsupported
}

// DecodeOffer fails, lnd has no offer support
func (l *LndNode) DecodeOffer(context.Context, string) (OfferInfo, error) {
	return OfferInfo{}, ErrOffersUnsupported
}

// Pay dispatches the payment through lnd's router, returning after the
// first status update
func (l *LndNode) Pay(ctx context.Context, req PayRequest) (Dispatched, error) {
	// the stream only lives until we have seen the first update, the
	// payment itself carries on inside lnd
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.router.SendPaymentV2(streamCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest: req.PaymentRequest,
		AmtMsat:        req.AmountMsat,
		FeeLimitMsat:   req.MaxFeeMsat,
		TimeoutSeconds: int32(paymentTimeout / time.Second),
	})
	if err != nil {
		return Dispatched{}, wrapRPCError(err, "could not send payment")
	}

	update, err := stream.Recv()
	if err != nil {
		return Dispatched{}, wrapRPCError(err, "could not send payment")
	}

	log.WithFields(logrus.Fields{
		"hash":         update.PaymentHash,
		"paymentIndex": update.PaymentIndex,
		"status":       update.Status.String(),
	}).Debug("Dispatched payment")

	// lnd gives every dispatch of a payment hash a new payment index
	dispatched := Dispatched{PaymentID: req.PaymentID, Attempt: update.PaymentIndex}
	if update.PaymentHash != "" {
		dispatched.PaymentID = update.PaymentHash
	}
	return dispatched, nil
}

// LookupPayment asks lnd for the current state of a payment
func (l *LndNode) LookupPayment(ctx context.Context, paymentID string) (Event, bool, error) {
	hash, err := hex.DecodeString(paymentID)
	if err != nil {
		return Event{}, false, fmt.Errorf("payment ID %q is not a payment hash: %w", paymentID, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := l.router.TrackPaymentV2(streamCtx, &routerrpc.TrackPaymentRequest{
		PaymentHash: hash,
	})
	if err != nil {
		return Event{}, false, wrapRPCError(err, "could not track payment")
	}

	payment, err := stream.Recv()
	if status.Code(err) == codes.NotFound {
		return Event{}, false, ErrPaymentNotFound
	}
	if err != nil {
		return Event{}, false, wrapRPCError(err, "could not track payment")
	}

	event, final := paymentEvent(payment)
	return event, final, nil
}

// paymentEvent converts a payment update, the bool is false for payments
// still in flight
func paymentEvent(payment *lnrpc.Payment) (Event, bool) {
	switch payment.Status {
	case lnrpc.Payment_SUCCEEDED:
		return Event{
			Kind:       PaymentSent,
			PaymentID:  payment.PaymentHash,
			AmountMsat: payment.ValueMsat,
			FeeMsat:    payment.FeeMsat,
			Attempt:    payment.PaymentIndex,
		}, true
	case lnrpc.Payment_FAILED:
		return Event{
			Kind:       PaymentFailed,
			PaymentID:  payment.PaymentHash,
			AmountMsat: payment.ValueMsat,
			Reason:     payment.FailureReason.String(),
			Attempt:    payment.PaymentIndex,
		}, true
	default:
		return Event{PaymentID: payment.PaymentHash, Attempt: payment.PaymentIndex}, false
	}
}

// invoiceEvent converts an invoice update, the bool is false for invoices
// that aren't settled
func invoiceEvent(invoice *lnrpc.Invoice) (Event, bool) {
	if invoice.State != lnrpc.Invoice_SETTLED {
		return Event{}, false
	}
	hash := hex.EncodeToString(invoice.RHash)
	return Event{
		Kind:       PaymentReceived,
		PaymentID:  hash,
		RequestID:  hash,
		AmountMsat: invoice.AmtPaidMsat,
		Cursor:     invoice.SettleIndex,
	}, true
}

// Balance gets channel and wallet balances
func (l *LndNode) Balance(ctx context.Context) (Balances, error) {
	channels, err := l.lncli.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return Balances{}, wrapRPCError(err, "could not get channel balance")
	}
	wallet, err := l.lncli.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return Balances{}, wrapRPCError(err, "could not get wallet balance")
	}

	return Balances{
		ChannelLocalMsat:      int64(channels.GetLocalBalance().GetMsat()),
		ChannelRemoteMsat:     int64(channels.GetRemoteBalance().GetMsat()),
		OnchainConfirmedSat:   wallet.ConfirmedBalance,
		OnchainUnconfirmedSat: wallet.UnconfirmedBalance,
	}, nil
}

// SubscribeEvents merges settled invoices and outgoing payment outcomes
// into one stream. Invoices are replayed from the last acknowledged settle
// index. Payment outcomes are not replayed, TrackPayments only reports
// payments that finish while subscribed.
func (l *LndNode) SubscribeEvents(ctx context.Context) (<-chan Event, error) {
	settleIndex, err := l.cursors.Load(ctx, invoiceSettleCursor)
	if err != nil {
		return nil, fmt.Errorf("could not load settle index: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	invoices, err := l.lncli.SubscribeInvoices(streamCtx, &lnrpc.InvoiceSubscription{
		SettleIndex: settleIndex,
	})
	if err != nil {
		cancel()
		return nil, wrapRPCError(err, "could not subscribe to invoices")
	}

	payments, err := l.router.TrackPayments(streamCtx, &routerrpc.TrackPaymentsRequest{
		NoInflightUpdates: true,
	})
	if err != nil {
		cancel()
		return nil, wrapRPCError(err, "could not subscribe to payments")
	}

	log.WithField("settleIndex", settleIndex).Info("Subscribed to lnd events")

	events := make(chan Event, eventBuffer)
	done := make(chan struct{}, 2)

	send := func(event Event) bool {
		select {
		case events <- event:
			return true
		case <-streamCtx.Done():
			return false
		}
	}

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			invoice, err := invoices.Recv()
			if err != nil {
				log.WithError(err).Warn("Invoice subscription ended")
				return
			}
			if event, ok := invoiceEvent(invoice); ok && !send(event) {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			payment, err := payments.Recv()
			if err != nil {
				log.WithError(err).Warn("Payment subscription ended")
				return
			}
			if event, ok := paymentEvent(payment); ok && !send(event) {
				return
			}
		}
	}()

	// when one of the streams dies, tear down both so the caller
	// resubscribes from a consistent position
	go func() {
		<-done
		cancel()
		<-done
		close(events)
	}()

	return events, nil
}

// Ack saves the settle index of received payments, so they aren't replayed
// on the next subscription
func (l *LndNode) Ack(ctx context.Context, event Event) error {
	if event.Kind != PaymentReceived || event.Cursor == 0 {
		return nil
	}
	return l.cursors.Save(ctx, invoiceSettleCursor, event.Cursor)
}

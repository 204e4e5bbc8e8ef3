package ln

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNodeUnavailable means the node could not be reached. It is
	// transient, the operation can be retried later.
	ErrNodeUnavailable = errors.New("lightning node unavailable")
	// ErrOffersUnsupported means the node can't create or pay offers
	ErrOffersUnsupported = errors.New("node does not support offers")
	// ErrPaymentNotFound means the node has no record of the payment
	ErrPaymentNotFound = errors.New("payment not found at node")
)

// EventKind is the type of a node event
type EventKind int

const (
	// PaymentReceived means an invoice or offer was paid to the node
	PaymentReceived EventKind = iota + 1
	// PaymentSent means an outgoing payment succeeded
	PaymentSent
	// PaymentFailed means an outgoing payment failed for good
	PaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case PaymentReceived:
		return "PaymentReceived"
	case PaymentSent:
		return "PaymentSent"
	case PaymentFailed:
		return "PaymentFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a payment outcome reported by the node. Events are delivered at
// least once and may be redelivered after a restart.
type Event struct {
	Kind EventKind
	// PaymentID identifies the payment at the node. For received payments
	// it is unique per settlement, for sent payments it is the ID given
	// when the payment was dispatched.
	PaymentID string
	// RequestID is the lookup key of the invoice or offer that was paid.
	// Only set for received payments.
	RequestID  string
	AmountMsat int64
	// FeeMsat is what the network charged for routing a sent payment
	FeeMsat int64
	Reason  string
	// Cursor is the position of the event in the node's stream, 0 if
	// the stream has no positions
	Cursor uint64
	// Attempt identifies the dispatch of a sent payment the outcome
	// belongs to, 0 if unknown. A failed payment can be dispatched again
	// under the same payment ID, and each dispatch gets a new attempt.
	Attempt uint64
}

// CreateInvoiceRequest describes an invoice to create
type CreateInvoiceRequest struct {
	// nil means the payer picks the amount
	AmountMsat  *int64
	Description string
	Expiry      time.Duration
}

// CreateOfferRequest describes an offer to create
type CreateOfferRequest struct {
	AmountMsat  *int64
	Description string
	// 0 means the offer never expires
	Expiry time.Duration
}

// PaymentRequest is an invoice or offer created by the node
type PaymentRequest struct {
	// ID is what received payments for the request are reported under,
	// see Event.RequestID
	ID             string
	PaymentRequest string
	ExpiresAt      *time.Time
}

// OfferInfo is what the node could decode from an offer
type OfferInfo struct {
	ID          string
	AmountMsat  *int64
	Description string
	ExpiresAt   *time.Time
}

// PayRequest describes a payment to dispatch
type PayRequest struct {
	// PaymentID is the ID the caller expects outcomes to be reported
	// under. For invoices this is the hex encoded payment hash.
	PaymentID      string
	PaymentRequest string
	// AmountMsat is only set when the request doesn't fix an amount
	AmountMsat int64
	MaxFeeMsat int64
}

// Dispatched is a payment the node accepted
type Dispatched struct {
	// PaymentID is what the outcome is reported under
	PaymentID string
	// Attempt is the node's index of this dispatch, 0 if unknown
	Attempt uint64
}

// Balances are the funds the node controls. They belong to the operator,
// and are only exposed for visibility.
type Balances struct {
	ChannelLocalMsat      int64 `json:"channelLocalMsat"`
	ChannelRemoteMsat     int64 `json:"channelRemoteMsat"`
	OnchainConfirmedSat   int64 `json:"onchainConfirmedSat"`
	OnchainUnconfirmedSat int64 `json:"onchainUnconfirmedSat"`
}

// Node is what the ledger needs from a Lightning node
type Node interface {
	// Network is the chain the node is running on
	Network() *chaincfg.Params

	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (PaymentRequest, error)
	CreateOffer(ctx context.Context, req CreateOfferRequest) (PaymentRequest, error)
	DecodeOffer(ctx context.Context, offer string) (OfferInfo, error)

	// Pay dispatches a payment and returns once the node has accepted it,
	// not when it completes. The outcome is reported as an event under
	// the returned payment ID and attempt.
	Pay(ctx context.Context, req PayRequest) (Dispatched, error)

	// LookupPayment gets the current state of an outgoing payment. The
	// returned bool is false if the payment is still in flight.
	LookupPayment(ctx context.Context, paymentID string) (Event, bool, error)

	Balance(ctx context.Context) (Balances, error)

	// SubscribeEvents streams payment outcomes. Received payments start
	// after the last acknowledged one. Outcomes of sent payments are only
	// streamed while subscribed, so callers look up pending sends with
	// LookupPayment after subscribing. The channel is closed when the
	// subscription ends, either because ctx is done or the node went away.
	SubscribeEvents(ctx context.Context) (<-chan Event, error)

	// Ack marks the event as durably processed
	Ack(ctx context.Context, event Event) error
}

// IsAmbiguous checks whether an error from dispatching a payment leaves it
// unknown if the node accepted the payment, i.e. the call timed out or
// was canceled
func IsAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch status.Code(errors.Unwrap(err)) {
	case codes.DeadlineExceeded, codes.Canceled:
		return true
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded, codes.Canceled:
		return true
	}
	return false
}

// wrapRPCError turns transport level gRPC errors into ErrNodeUnavailable
func wrapRPCError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Unavailable {
		return fmt.Errorf("%s: %w: %v", msg, ErrNodeUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

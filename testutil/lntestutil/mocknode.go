// Package lntestutil provides an in-memory Lightning node for tests. It
// issues real, signed BOLT11 invoices on regtest, so they can be decoded
// like invoices from lnd.
package lntestutil

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"gitlab.com/arcanecrypto/lnbank/ln"
)

// OfferPrefix is what offers issued by the mock node start with
const OfferPrefix = "lno1"

// MockNode is an in-memory ln.Node
type MockNode struct {
	mu sync.Mutex

	network *chaincfg.Params
	key     *btcec.PrivateKey

	invoices map[string]ln.PaymentRequest
	offers   map[string]ln.OfferInfo
	payments map[string]ln.PayRequest
	outcomes map[string]ln.Event
	acked    []ln.Event
	peers    []ln.Peer
	channels []ln.Channel

	// attempt of the latest dispatch per payment ID
	attempts    map[string]uint64
	lastAttempt uint64
	lookups     map[string]int

	events        chan ln.Event
	stopStream    func()
	subscriptions int

	// PayFunc, if set, is called instead of recording the payment
	PayFunc func(ctx context.Context, req ln.PayRequest) (ln.Dispatched, error)
	// Balances is returned from Balance
	Balances ln.Balances
	// AckErr, if set, is returned from Ack
	AckErr error
}

var _ ln.Node = (*MockNode)(nil)

// NewMockNode creates a mock node on regtest
func NewMockNode() *MockNode {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	return &MockNode{
		network:  &chaincfg.RegressionNetParams,
		key:      key,
		invoices: map[string]ln.PaymentRequest{},
		offers:   map[string]ln.OfferInfo{},
		payments: map[string]ln.PayRequest{},
		outcomes: map[string]ln.Event{},
		attempts: map[string]uint64{},
		lookups:  map[string]int{},
		events:   make(chan ln.Event, 128),
	}
}

// Network is regtest
func (m *MockNode) Network() *chaincfg.Params {
	return m.network
}

func randomBytes() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return b
}

// NewInvoice encodes a signed invoice without registering it with the
// node, like an invoice issued by some other node would be
func (m *MockNode) NewInvoice(amountMsat *int64, description string, expiry time.Duration) (hash string, invoice string, err error) {
	preimage := randomBytes()
	paymentHash := sha256.Sum256(preimage[:])

	options := []func(*zpay32.Invoice){
		zpay32.Description(description),
		zpay32.Expiry(expiry),
		zpay32.PaymentAddr(randomBytes()),
	}
	if amountMsat != nil {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(*amountMsat)))
	}

	decoded, err := zpay32.NewInvoice(m.network, paymentHash, time.Now(), options...)
	if err != nil {
		return "", "", err
	}

	encoded, err := decoded.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(m.key, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(paymentHash[:]), encoded, nil
}

// CreateInvoice issues a signed regtest invoice
func (m *MockNode) CreateInvoice(_ context.Context, req ln.CreateInvoiceRequest) (ln.PaymentRequest, error) {
	hash, encoded, err := m.NewInvoice(req.AmountMsat, req.Description, req.Expiry)
	if err != nil {
		return ln.PaymentRequest{}, err
	}
	expiresAt := time.Now().Add(req.Expiry)
	created := ln.PaymentRequest{
		ID:             hash,
		PaymentRequest: encoded,
		ExpiresAt:      &expiresAt,
	}

	m.mu.Lock()
	m.invoices[hash] = created
	m.mu.Unlock()
	return created, nil
}

// CreateOffer issues a fake offer
func (m *MockNode) CreateOffer(_ context.Context, req ln.CreateOfferRequest) (ln.PaymentRequest, error) {
	id := randomBytes()
	offerID := hex.EncodeToString(id[:])

	info := ln.OfferInfo{
		ID:          offerID,
		AmountMsat:  req.AmountMsat,
		Description: req.Description,
	}
	if req.Expiry > 0 {
		expiresAt := time.Now().Add(req.Expiry)
		info.ExpiresAt = &expiresAt
	}

	m.mu.Lock()
	m.offers[offerID] = info
	m.mu.Unlock()

	return ln.PaymentRequest{
		ID:             offerID,
		PaymentRequest: OfferPrefix + offerID,
		ExpiresAt:      info.ExpiresAt,
	}, nil
}

// DecodeOffer decodes offers created by CreateOffer or NewOffer
func (m *MockNode) DecodeOffer(_ context.Context, offer string) (ln.OfferInfo, error) {
	id := strings.TrimPrefix(strings.ToLower(offer), OfferPrefix)
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.offers[id]
	if !ok {
		return ln.OfferInfo{}, fmt.Errorf("unknown offer %q", offer)
	}
	return info, nil
}

// NewOffer registers an offer as if it were issued by another node
func (m *MockNode) NewOffer(amountMsat *int64, description string) string {
	id := randomBytes()
	offerID := hex.EncodeToString(id[:])
	m.mu.Lock()
	m.offers[offerID] = ln.OfferInfo{ID: offerID, AmountMsat: amountMsat, Description: description}
	m.mu.Unlock()
	return OfferPrefix + offerID
}

// Pay records the payment, or defers to PayFunc if set. Like lnd, a
// payment can be dispatched again once it failed, and every dispatch gets
// a new attempt.
func (m *MockNode) Pay(ctx context.Context, req ln.PayRequest) (ln.Dispatched, error) {
	m.mu.Lock()
	payFunc := m.PayFunc
	m.mu.Unlock()
	if payFunc != nil {
		return payFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[req.PaymentID]; exists {
		if outcome, ok := m.outcomes[req.PaymentID]; !ok || outcome.Kind != ln.PaymentFailed {
			return ln.Dispatched{}, errors.New("payment already in flight")
		}
		delete(m.outcomes, req.PaymentID)
	}
	m.payments[req.PaymentID] = req
	m.lastAttempt++
	m.attempts[req.PaymentID] = m.lastAttempt
	return ln.Dispatched{PaymentID: req.PaymentID, Attempt: m.lastAttempt}, nil
}

// Attempt returns the attempt of the latest dispatch of the payment
func (m *MockNode) Attempt(paymentID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[paymentID]
}

// Payments returns all recorded payments
func (m *MockNode) Payments() []ln.PayRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	payments := make([]ln.PayRequest, 0, len(m.payments))
	for _, p := range m.payments {
		payments = append(payments, p)
	}
	return payments
}

// Payment returns the recorded payment with the given ID
func (m *MockNode) Payment(paymentID string) (ln.PayRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	return p, ok
}

// LookupPayment returns outcomes set by SetOutcome or emitted
func (m *MockNode) LookupPayment(_ context.Context, paymentID string) (ln.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups[paymentID]++
	if event, ok := m.outcomes[paymentID]; ok {
		return event, true, nil
	}
	if _, ok := m.payments[paymentID]; ok {
		return ln.Event{PaymentID: paymentID, Attempt: m.attempts[paymentID]}, false, nil
	}
	return ln.Event{}, false, ln.ErrPaymentNotFound
}

// Lookups counts how often LookupPayment was called for the payment
func (m *MockNode) Lookups(paymentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups[paymentID]
}

// SetOutcome sets what LookupPayment returns, without emitting an event
func (m *MockNode) SetOutcome(event ln.Event) {
	m.mu.Lock()
	m.outcomes[event.PaymentID] = event
	m.mu.Unlock()
}

// Balance returns the configured balances
func (m *MockNode) Balance(context.Context) (ln.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances, nil
}

// SubscribeEvents returns the stream of emitted events. There is only one
// stream, so there should only be one subscriber at a time.
func (m *MockNode) SubscribeEvents(ctx context.Context) (<-chan ln.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopStream = cancel
	m.subscriptions++
	m.mu.Unlock()

	out := make(chan ln.Event)
	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-m.events:
				select {
				case out <- event:
				case <-ctx.Done():
					// put it back for the next subscriber
					m.events <- event
					return
				}
			}
		}
	}()
	return out, nil
}

// CloseStream ends the current subscription, as if the node went away
func (m *MockNode) CloseStream() {
	m.mu.Lock()
	stop := m.stopStream
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscriptions counts the calls to SubscribeEvents
func (m *MockNode) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions
}

// Emit pushes an event to subscribers
func (m *MockNode) Emit(event ln.Event) {
	if event.Kind == ln.PaymentSent || event.Kind == ln.PaymentFailed {
		m.SetOutcome(event)
	}
	m.events <- event
}

// SettleInvoice emits a received payment for the invoice or offer with the
// given ID. For offers, pass a fresh payment ID per payment.
func (m *MockNode) SettleInvoice(requestID, paymentID string, amountMsat int64) ln.Event {
	event := ln.Event{
		Kind:       ln.PaymentReceived,
		PaymentID:  paymentID,
		RequestID:  requestID,
		AmountMsat: amountMsat,
	}
	m.Emit(event)
	return event
}

// SucceedPayment emits a successful outcome for the latest attempt of the
// payment
func (m *MockNode) SucceedPayment(paymentID string, feeMsat int64) ln.Event {
	event := ln.Event{
		Kind:      ln.PaymentSent,
		PaymentID: paymentID,
		FeeMsat:   feeMsat,
		Attempt:   m.Attempt(paymentID),
	}
	m.Emit(event)
	return event
}

// FailPayment emits a failed outcome for the latest attempt of the payment
func (m *MockNode) FailPayment(paymentID, reason string) ln.Event {
	event := ln.Event{
		Kind:      ln.PaymentFailed,
		PaymentID: paymentID,
		Reason:    reason,
		Attempt:   m.Attempt(paymentID),
	}
	m.Emit(event)
	return event
}

// Ack records the acknowledged event
func (m *MockNode) Ack(_ context.Context, event ln.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AckErr != nil {
		return m.AckErr
	}
	m.acked = append(m.acked, event)
	return nil
}

// SetAckErr changes what Ack returns, nil makes it succeed again
func (m *MockNode) SetAckErr(err error) {
	m.mu.Lock()
	m.AckErr = err
	m.mu.Unlock()
}

// Acked returns all acknowledged events, in order
func (m *MockNode) Acked() []ln.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ln.Event(nil), m.acked...)
}

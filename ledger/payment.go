package ledger

import (
	"time"

	"gitlab.com/arcanecrypto/lnbank/models/receives"
	"gitlab.com/arcanecrypto/lnbank/models/sends"
)

// Direction tells incoming and outgoing payments apart
type Direction string

const (
	// Incoming payments are receives
	Incoming Direction = "incoming"
	// Outgoing payments are sends
	Outgoing Direction = "outgoing"
)

// Payment is the client facing view of a receive or send
type Payment struct {
	ID             string    `json:"id"`
	Direction      Direction `json:"direction"`
	AmountMsat     int64     `json:"amountMsat"`
	FeeMsat        int64     `json:"feeMsat"`
	Description    string    `json:"description"`
	PaymentRequest string    `json:"paymentRequest"`
	Status         string    `json:"status"`
	LnAddress      *string   `json:"lnAddress,omitempty"`
	FailureReason  *string   `json:"failureReason,omitempty"`
	Internal       bool      `json:"internal"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PaymentFromSend converts a send
func PaymentFromSend(s sends.Send) Payment {
	return Payment{
		ID:             s.ID,
		Direction:      Outgoing,
		AmountMsat:     s.AmountMsat,
		FeeMsat:        s.FeeMsat,
		Description:    s.Description,
		PaymentRequest: s.PaymentRequest,
		Status:         string(s.Status),
		LnAddress:      s.LnAddress,
		FailureReason:  s.FailureReason,
		Internal:       s.Internal,
		CreatedAt:      s.CreatedAt,
	}
}

// PaymentFromReceive converts a receive. Receives are always successful.
func PaymentFromReceive(r receives.Receive) Payment {
	return Payment{
		ID:             r.ID,
		Direction:      Incoming,
		AmountMsat:     r.AmountMsat,
		Description:    r.Description,
		PaymentRequest: r.PaymentRequest,
		Status:         string(sends.StatusSucceeded),
		Internal:       r.Internal,
		CreatedAt:      r.CreatedAt,
	}
}

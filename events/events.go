// Package events broadcasts ledger changes to the clients of the affected
// user.
package events

import (
	"sync"

	"gitlab.com/arcanecrypto/lnbank/build"
)

var log = build.AddSubLogger("EVNT")

// Kind is the type of an event
type Kind string

const (
	// KindBalance is sent when the balance of the user changed
	KindBalance Kind = "balance"
	// KindPayment is sent when a payment to or from the user completed
	KindPayment Kind = "payment"
	// KindUpdate is sent when an invoice, offer or send changed status
	KindUpdate Kind = "update"
)

const defaultBufferSize = 32

// Event is a message delivered to subscribers
type Event struct {
	Kind Kind        `json:"kind"`
	Data interface{} `json:"data,omitempty"`
}

// Publisher publishes events for a user
type Publisher interface {
	Publish(userPK string, event Event)
}

// Subscription receives the events of a single user until it is closed
type Subscription struct {
	C <-chan Event

	bus    *Bus
	userPK string
	ch     chan Event
	once   sync.Once
}

// Close stops the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Bus is an in-process publisher. Events are delivered without blocking,
// a subscriber that can't keep up misses events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}
	bufferSize  int
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subscribers: map[string]map[*Subscription]struct{}{},
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe starts receiving events for the given user
func (b *Bus) Subscribe(userPK string) *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, bus: b, userPK: userPK, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[userPK] == nil {
		b.subscribers[userPK] = map[*Subscription]struct{}{}
	}
	b.subscribers[userPK][sub] = struct{}{}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[sub.userPK]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, sub.userPK)
	}
	close(sub.ch)
}

// Publish delivers the event to every subscriber of the user
func (b *Bus) Publish(userPK string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers[userPK] {
		select {
		case sub.ch <- event:
		default:
			log.WithField("kind", event.Kind).Debug("Subscriber is full, dropping event")
		}
	}
}

// Subscribers counts the open subscriptions of the user
func (b *Bus) Subscribers(userPK string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userPK])
}

// Discard is a publisher that drops everything
type Discard struct{}

// Publish does nothing
func (Discard) Publish(string, Event) {}

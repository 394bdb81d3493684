// Package eventbus is a small in-process signal bus between a client session's
// poll loop and its alert machine.
//
// Contract:
//   - Handlers run synchronously, in registration order, on the publisher's goroutine.
//   - A Publish that arrives while a delivery is running does not block. It is
//     coalesced: after the current delivery at most one more delivery happens,
//     carrying the latest coalesced event.
//   - Nothing is persisted; subscribers rebuild their state from the store.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "alertdesk/pkg/logx"
)

// Event is a lightweight signal. Data should be small.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Handler consumes an event.
type Handler func(Event)

type Bus struct {
	log logx.Logger

	mu         sync.Mutex
	subs       []*Subscription
	delivering bool
	pending    bool
	next       Event

	deliveries atomic.Uint64
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{log: log}
}

// Subscription is a registered handler. Close detaches it.
type Subscription struct {
	bus    *Bus
	h      Handler
	closed atomic.Bool
}

// Subscribe appends h to the delivery order.
func (b *Bus) Subscribe(h Handler) *Subscription {
	s := &Subscription{bus: b, h: h}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Close is idempotent. A closed subscription receives nothing further, even
// when the close happens during a delivery.
func (s *Subscription) Close() {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Deliveries reports how many delivery rounds ran.
func (b *Bus) Deliveries() uint64 { return b.deliveries.Load() }

// Publish delivers e, or coalesces it into the delivery already running.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	if b.delivering {
		b.pending = true
		b.next = e
		b.mu.Unlock()
		return
	}
	b.delivering = true
	b.mu.Unlock()

	for {
		b.deliver(e)

		b.mu.Lock()
		if !b.pending {
			b.delivering = false
			b.mu.Unlock()
			return
		}
		e = b.next
		b.pending = false
		b.next = Event{}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(e Event) {
	b.deliveries.Add(1)

	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.closed.Load() {
			continue
		}
		b.call(s, e)
	}
}

func (b *Bus) call(s *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus handler panic", logx.String("type", e.Type), logx.String("panic", fmt.Sprint(r)))
		}
	}()
	s.h(e)
}

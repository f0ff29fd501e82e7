package event

import (
	"context"
	"sync"

	"github.com/mugoori/triflow/runtime/errs"
)

// subscriberBuffer bounds the per-subscription channel. Events beyond a full
// buffer are dropped for that subscriber only; the durable log remains the
// complete record.
const subscriberBuffer = 256

type (
	// MemBus is an in-process Bus with per-instance ordered fanout. Suitable
	// for tests and single-process deployments; production deployments use
	// the Pulse-backed bus in features/bus/pulse.
	MemBus struct {
		mu     sync.RWMutex
		subs   map[string][]*memSub // instanceID -> subscribers
		closed bool
	}

	memSub struct {
		bus        *MemBus
		instanceID string

		mu     sync.Mutex
		ch     chan Event
		closed bool
	}
)

// NewMemBus constructs an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[string][]*memSub)}
}

// Publish delivers ev to all subscribers of its instance channel in
// subscription order. Delivery never blocks: a subscriber whose buffer is
// full misses the event, and delivery to one subscriber never reorders
// events for another.
func (b *MemBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New(errs.KindInternal, "event bus closed")
	}
	subs := make([]*memSub, len(b.subs[ev.InstanceID]))
	copy(subs, b.subs[ev.InstanceID])
	b.mu.RUnlock()

	for _, s := range subs {
		s.send(ev)
	}
	return nil
}

// Subscribe opens a subscription for the given instance. Events published
// after this call are delivered in order until Close.
func (b *MemBus) Subscribe(_ context.Context, instanceID string) (Subscription, error) {
	if instanceID == "" {
		return nil, errs.New(errs.KindInvalidInput, "instance id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New(errs.KindInternal, "event bus closed")
	}
	sub := &memSub{
		bus:        b,
		instanceID: instanceID,
		ch:         make(chan Event, subscriberBuffer),
	}
	b.subs[instanceID] = append(b.subs[instanceID], sub)
	return sub, nil
}

// Close terminates all subscriptions and rejects further publishes.
func (b *MemBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*memSub)
	b.mu.Unlock()

	for _, s := range all {
		s.shut()
	}
}

// Events returns the subscription's ordered event channel.
func (s *memSub) Events() <-chan Event { return s.ch }

// Close removes the subscription from the bus and closes its channel.
func (s *memSub) Close() {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.instanceID]
	for i, candidate := range subs {
		if candidate == s {
			s.bus.subs[s.instanceID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.shut()
}

// send delivers ev unless the subscription is closed or its buffer is full.
// The channel is only ever closed while holding s.mu, so the send cannot race
// a close.
func (s *memSub) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

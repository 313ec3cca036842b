package notify

import (
	"sync"

	"github.com/example/nats-chat-sync/internal/auth"
)

type readPolicy func(p auth.Principal, event string) bool

type writeVerdict int

const (
	writeDeny writeVerdict = iota
	writeAccept
	// writeHandled means the policy consumed the message itself (relay
	// streams); the bus must not dispatch it again.
	writeHandled
)

// Stream is one named broadcast channel with its listener table.
type Stream struct {
	name  string
	read  readPolicy
	write writePolicy

	mu        sync.RWMutex
	listeners map[string][]*Subscription
}

// Subscription is one attached handler. Close detaches it; closing twice
// is a no-op.
type Subscription struct {
	stream  *Stream
	event   string
	handler Handler

	mu     sync.Mutex
	closed bool
}

// attach registers a handler without a policy check. Aggregate
// subscriptions use it after doing their own authorization.
func (s *Stream) attach(event string, h Handler) *Subscription {
	sub := &Subscription{stream: s, event: event, handler: h}
	s.mu.Lock()
	s.listeners[event] = append(s.listeners[event], sub)
	s.mu.Unlock()
	return sub
}

// emit calls every live handler for the event in subscription order and
// returns how many were notified.
func (s *Stream) emit(event string, args ...any) int {
	s.mu.RLock()
	subs := make([]*Subscription, len(s.listeners[event]))
	copy(subs, s.listeners[event])
	s.mu.RUnlock()

	n := 0
	for _, sub := range subs {
		if sub.deliver(event, args...) {
			n++
		}
	}
	return n
}

func (sub *Subscription) deliver(event string, args ...any) bool {
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return false
	}
	sub.handler(event, args...)
	return true
}

// Close detaches the subscription from its stream.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	s := sub.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.listeners[sub.event]
	for i, candidate := range list {
		if candidate == sub {
			s.listeners[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.listeners[sub.event]) == 0 {
		delete(s.listeners, sub.event)
	}
}

package notify

import (
	"sync"

	"github.com/example/nats-chat-sync/internal/auth"
	"github.com/example/nats-chat-sync/internal/membership"
)

const aggregatePageSize = 50

// AggregateSubscription subscribes to the union of a user's rooms instead
// of a single event, re-evaluating membership continuously: a join
// attaches the room's listener, a leave detaches it, Close releases
// everything.
type AggregateSubscription struct {
	members *membership.Index
	userID  string
	stream  *Stream
	wrap    func(roomID string) (event string, h Handler)

	mu          sync.Mutex
	perRoom     map[string]*Subscription
	cancelWatch func()
	closed      bool
}

func (b *Bus) newAggregate(p auth.Principal, stream *Stream, wrap func(roomID string) (string, Handler)) (*AggregateSubscription, error) {
	if !p.Authenticated() {
		return nil, ErrNotAuthorized
	}
	agg := &AggregateSubscription{
		members: b.members,
		userID:  p.UserID,
		stream:  stream,
		wrap:    wrap,
		perRoom: make(map[string]*Subscription),
	}
	agg.cancelWatch = b.members.Watch(p.UserID, func(d membership.Delta) {
		switch d.Action {
		case membership.ActionJoin:
			agg.attachRoom(d.Room)
		case membership.ActionLeave:
			agg.detachRoom(d.Room)
		}
	})

	// Enumerate the current room set lazily so a user with many rooms
	// never needs them all in one read.
	cur := NewSubscriptionCursor(func(offset, limit int) []string {
		page, _ := b.members.UserRoomsPage(p.UserID, offset, limit)
		return page
	}, aggregatePageSize, nil)
	defer cur.Close()
	for room, ok := cur.Next(); ok; room, ok = cur.Next() {
		agg.attachRoom(room)
	}
	return agg, nil
}

func (a *AggregateSubscription) attachRoom(roomID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, exists := a.perRoom[roomID]; exists {
		return
	}
	// A leave delta can land mid-enumeration, after the cursor already read
	// the room; re-check so the stale page cannot resurrect its listener.
	if !a.members.IsMember(roomID, a.userID) {
		return
	}
	event, h := a.wrap(roomID)
	a.perRoom[roomID] = a.stream.attach(event, h)
}

func (a *AggregateSubscription) detachRoom(roomID string) {
	a.mu.Lock()
	sub := a.perRoom[roomID]
	delete(a.perRoom, roomID)
	a.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// Rooms returns the rooms currently attached, for tests and introspection.
func (a *AggregateSubscription) Rooms() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.perRoom)
}

// Close stops membership tracking and releases every room listener.
func (a *AggregateSubscription) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cancel := a.cancelWatch
	subs := make([]*Subscription, 0, len(a.perRoom))
	for _, sub := range a.perRoom {
		subs = append(subs, sub)
	}
	a.perRoom = make(map[string]*Subscription)
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Close()
	}
}

// SubscribeRoomsChanged delivers room-change notifications from every room
// the user is in, as the reserved rooms-changed event on the user stream.
func (b *Bus) SubscribeRoomsChanged(p auth.Principal, h Handler) (*AggregateSubscription, error) {
	return b.newAggregate(p, b.streams[StreamRoom], func(roomID string) (string, Handler) {
		return roomID + "/" + EventRoomsChanged, func(_ string, args ...any) {
			h(EventRoomsChanged, args...)
		}
	})
}

// SubscribeMyMessages delivers message notifications from every room the
// user is in; the handler sees the room id as the event name.
func (b *Bus) SubscribeMyMessages(p auth.Principal, h Handler) (*AggregateSubscription, error) {
	return b.newAggregate(p, b.streams[StreamRoomMessages], func(roomID string) (string, Handler) {
		return roomID, h
	})
}

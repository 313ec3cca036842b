package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/example/nats-chat-sync/internal/auth"
	"github.com/example/nats-chat-sync/internal/membership"
)

func TestMyMessagesFollowsMembership(t *testing.T) {
	bus, members, _ := testBus(t)
	members.Apply(membership.Delta{Room: "general", Action: membership.ActionJoin, UserID: "alice"})

	var rooms []string
	agg, err := bus.SubscribeMyMessages(alice(), func(event string, args ...any) {
		rooms = append(rooms, event)
	})
	if err != nil {
		t.Fatalf("SubscribeMyMessages failed: %v", err)
	}
	defer agg.Close()

	ctx := context.Background()
	bus.NotifyRoomMessage(ctx, "general", "msg-1")
	bus.NotifyRoomMessage(ctx, "random", "msg-2") // not a member yet

	if len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("Expected only general delivery, got %v", rooms)
	}

	// Joining a room attaches its listener on the fly.
	members.Apply(membership.Delta{Room: "random", Action: membership.ActionJoin, UserID: "alice"})
	bus.NotifyRoomMessage(ctx, "random", "msg-3")
	if len(rooms) != 2 || rooms[1] != "random" {
		t.Fatalf("Expected random delivery after join, got %v", rooms)
	}

	// Leaving detaches it.
	members.Apply(membership.Delta{Room: "random", Action: membership.ActionLeave, UserID: "alice"})
	bus.NotifyRoomMessage(ctx, "random", "msg-4")
	if len(rooms) != 2 {
		t.Errorf("Expected no delivery after leave, got %v", rooms)
	}
}

func TestMyMessagesCloseReleasesEverything(t *testing.T) {
	bus, members, _ := testBus(t)
	for _, room := range []string{"a", "b", "c"} {
		members.Apply(membership.Delta{Room: room, Action: membership.ActionJoin, UserID: "alice"})
	}

	got := 0
	agg, err := bus.SubscribeMyMessages(alice(), func(string, ...any) { got++ })
	if err != nil {
		t.Fatalf("SubscribeMyMessages failed: %v", err)
	}
	if agg.Rooms() != 3 {
		t.Fatalf("Expected 3 attached rooms, got %d", agg.Rooms())
	}

	agg.Close()
	if agg.Rooms() != 0 {
		t.Errorf("Expected all rooms released, got %d", agg.Rooms())
	}

	bus.NotifyRoomMessage(context.Background(), "a", "late")
	if got != 0 {
		t.Errorf("Expected no delivery after close, got %d", got)
	}

	// Membership changes after close must not resurrect listeners.
	members.Apply(membership.Delta{Room: "d", Action: membership.ActionJoin, UserID: "alice"})
	if agg.Rooms() != 0 {
		t.Errorf("Expected closed aggregate to ignore joins, got %d", agg.Rooms())
	}
}

func TestRoomsChangedAggregate(t *testing.T) {
	bus, members, _ := testBus(t)
	members.Apply(membership.Delta{Room: "general", Action: membership.ActionJoin, UserID: "alice"})

	var events []string
	agg, err := bus.SubscribeRoomsChanged(alice(), func(event string, args ...any) {
		events = append(events, event)
	})
	if err != nil {
		t.Fatalf("SubscribeRoomsChanged failed: %v", err)
	}
	defer agg.Close()

	bus.NotifyRoom(context.Background(), "general", EventRoomsChanged, map[string]any{"name": "general"})
	if len(events) != 1 || events[0] != EventRoomsChanged {
		t.Errorf("Expected one rooms-changed event, got %v", events)
	}
}

func TestAggregateAttachChecksMembership(t *testing.T) {
	bus, members, _ := testBus(t)
	members.Apply(membership.Delta{Room: "a", Action: membership.ActionJoin, UserID: "alice"})

	got := 0
	agg, err := bus.SubscribeMyMessages(alice(), func(string, ...any) { got++ })
	if err != nil {
		t.Fatalf("SubscribeMyMessages failed: %v", err)
	}
	defer agg.Close()

	members.Apply(membership.Delta{Room: "a", Action: membership.ActionLeave, UserID: "alice"})

	// A stale enumeration page can still name the room after the leave
	// delta detached it; attaching again must consult the membership index
	// and refuse to resurrect the listener.
	agg.attachRoom("a")
	if agg.Rooms() != 0 {
		t.Fatalf("Expected departed room to stay detached, got %d", agg.Rooms())
	}

	bus.NotifyRoomMessage(context.Background(), "a", "late")
	if got != 0 {
		t.Errorf("Expected no delivery for a departed room, got %d", got)
	}
}

func TestAggregateRequiresAuth(t *testing.T) {
	bus, _, _ := testBus(t)
	if _, err := bus.SubscribeMyMessages(auth.Principal{}, func(string, ...any) {}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized for anonymous, got %v", err)
	}
}

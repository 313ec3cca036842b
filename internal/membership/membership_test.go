package membership

import (
	"reflect"
	"testing"
)

func TestIndexForwardAndReverse(t *testing.T) {
	idx := NewIndex()
	idx.Apply(Delta{Room: "general", Action: ActionJoin, UserID: "alice"})
	idx.Apply(Delta{Room: "general", Action: ActionJoin, UserID: "bob"})
	idx.Apply(Delta{Room: "random", Action: ActionJoin, UserID: "alice"})

	if got := idx.Members("general"); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Errorf("Members(general) = %v", got)
	}
	if got := idx.UserRooms("alice"); !reflect.DeepEqual(got, []string{"general", "random"}) {
		t.Errorf("UserRooms(alice) = %v", got)
	}
	if !idx.IsMember("general", "bob") {
		t.Error("Expected bob to be a member of general")
	}

	idx.Apply(Delta{Room: "general", Action: ActionLeave, UserID: "bob"})
	if idx.IsMember("general", "bob") {
		t.Error("Expected bob to be removed from general")
	}
	if got := idx.Members("random"); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("Members(random) = %v", got)
	}
}

func TestIndexWatch(t *testing.T) {
	idx := NewIndex()
	var seen []Delta
	cancel := idx.Watch("alice", func(d Delta) { seen = append(seen, d) })

	idx.Apply(Delta{Room: "general", Action: ActionJoin, UserID: "alice"})
	idx.Apply(Delta{Room: "general", Action: ActionJoin, UserID: "bob"}) // other user, not seen
	idx.Apply(Delta{Room: "general", Action: ActionLeave, UserID: "alice"})

	if len(seen) != 2 {
		t.Fatalf("Expected 2 deltas for alice, got %v", seen)
	}
	if seen[0].Action != ActionJoin || seen[1].Action != ActionLeave {
		t.Errorf("Unexpected delta order: %v", seen)
	}

	cancel()
	idx.Apply(Delta{Room: "random", Action: ActionJoin, UserID: "alice"})
	if len(seen) != 2 {
		t.Errorf("Expected no deltas after cancel, got %v", seen)
	}
}

func TestUserRoomsPage(t *testing.T) {
	idx := NewIndex()
	for _, room := range []string{"a", "b", "c", "d", "e"} {
		idx.Apply(Delta{Room: room, Action: ActionJoin, UserID: "alice"})
	}

	page, hasMore := idx.UserRoomsPage("alice", 0, 2)
	if !reflect.DeepEqual(page, []string{"a", "b"}) || !hasMore {
		t.Errorf("Page 0 = %v hasMore=%v", page, hasMore)
	}
	page, hasMore = idx.UserRoomsPage("alice", 4, 2)
	if !reflect.DeepEqual(page, []string{"e"}) || hasMore {
		t.Errorf("Last page = %v hasMore=%v", page, hasMore)
	}
	page, hasMore = idx.UserRoomsPage("alice", 10, 2)
	if page != nil || hasMore {
		t.Errorf("Past-end page = %v hasMore=%v", page, hasMore)
	}
}

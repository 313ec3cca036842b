package events

import (
	"testing"
	"time"
)

func TestHashRegistryInclude(t *testing.T) {
	reg := DefaultHashRegistry()

	ev := &Event{
		Type: TypeMessage,
		Original: map[string]any{
			"t":   "msg",
			"u":   "alice",
			"msg": "hello",
			"ts":  "2024-01-01",
		},
	}
	h1, err := reg.DataHash(ev)
	if err != nil {
		t.Fatalf("DataHash failed: %v", err)
	}

	// Fields outside the include list must not affect the hash.
	ev.Original["ts"] = "2024-06-30"
	ev.Original["extra"] = true
	h2, err := reg.DataHash(ev)
	if err != nil {
		t.Fatalf("DataHash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("Expected hash to ignore non-included fields, got %s and %s", h1, h2)
	}

	ev.Original["msg"] = "changed"
	h3, err := reg.DataHash(ev)
	if err != nil {
		t.Fatalf("DataHash failed: %v", err)
	}
	if h1 == h3 {
		t.Error("Expected hash to change when an included field changes")
	}
}

func TestHashRegistrySkip(t *testing.T) {
	reg := NewHashRegistry(HashOptionsDef{
		Types:   []Type{TypeRoom},
		Options: HashOption{Skip: []string{"internal"}},
	})

	ev := &Event{
		Type:     TypeRoom,
		Original: map[string]any{"name": "general", "internal": "x"},
	}
	h1, err := reg.DataHash(ev)
	if err != nil {
		t.Fatalf("DataHash failed: %v", err)
	}

	ev.Original["internal"] = "y"
	h2, err := reg.DataHash(ev)
	if err != nil {
		t.Fatalf("DataHash failed: %v", err)
	}
	if h1 != h2 {
		t.Error("Expected skipped field changes to not affect the hash")
	}
}

func TestIDHashDependsOnParents(t *testing.T) {
	cq := ContextQuery{ContextType: "room", ContextID: "general"}
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	ev := &Event{
		Source:    "srv-a",
		ParentIDs: []string{"p1"},
		Type:      TypeMessage,
		Timestamp: ts,
		DataHash:  "abc",
	}
	h1, err := IDHash(cq, ev)
	if err != nil {
		t.Fatalf("IDHash failed: %v", err)
	}

	ev.ParentIDs = []string{"p1", "p2"}
	h2, err := IDHash(cq, ev)
	if err != nil {
		t.Fatalf("IDHash failed: %v", err)
	}
	if h1 == h2 {
		t.Error("Expected id hash to change when parents change")
	}
}

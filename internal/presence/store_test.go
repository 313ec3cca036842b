package presence

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(notify Notifier) (*Store, *MemoryBackend, *Reconciler) {
	backend := NewMemoryBackend()
	reconciler := NewReconciler(backend, notify)
	store := NewStore(backend, "instance-1", reconciler)
	return store, backend, reconciler
}

func TestCreateAndRemoveConnection(t *testing.T) {
	store, _, _ := newTestStore(nil)
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	sess, err := store.Session(ctx, "alice")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if sess == nil || len(sess.Connections) != 1 {
		t.Fatalf("Expected one connection, got %+v", sess)
	}
	if sess.Connections[0].InstanceID != "instance-1" {
		t.Errorf("Expected connection tagged with instance-1, got %s", sess.Connections[0].InstanceID)
	}

	if err := store.RemoveConnection(ctx, "conn-1"); err != nil {
		t.Fatalf("RemoveConnection failed: %v", err)
	}
	sess, _ = store.Session(ctx, "alice")
	if len(sess.Connections) != 0 {
		t.Errorf("Expected zero connections after removal, got %d", len(sess.Connections))
	}

	// Removing again must be a no-op.
	if err := store.RemoveConnection(ctx, "conn-1"); err != nil {
		t.Errorf("Expected idempotent removal, got %v", err)
	}
}

func TestCreateConnectionGuards(t *testing.T) {
	store, _, _ := newTestStore(nil)
	ctx := context.Background()

	// Missing user id.
	if err := store.CreateConnection(ctx, "", NewConnHandle("conn-1"), StatusOnline, nil); err != nil {
		t.Errorf("Expected no-op for empty user, got %v", err)
	}
	// Missing connection id.
	if err := store.CreateConnection(ctx, "alice", NewConnHandle(""), StatusOnline, nil); err != nil {
		t.Errorf("Expected no-op for empty connection id, got %v", err)
	}
	// Closed handle: the close raced ahead of the create.
	h := NewConnHandle("conn-2")
	h.Close()
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, nil); err != nil {
		t.Errorf("Expected no-op for closed handle, got %v", err)
	}

	sess, _ := store.Session(ctx, "alice")
	if sess != nil && len(sess.Connections) != 0 {
		t.Errorf("Expected no connections to be created, got %+v", sess)
	}
}

func TestSetConnectionSelfHealing(t *testing.T) {
	store, _, _ := newTestStore(nil)
	ctx := context.Background()

	// SetConnection on a connection that was never created must fall back
	// to creating it with the requested status.
	h := NewConnHandle("conn-1")
	if err := store.SetConnection(ctx, "alice", h, StatusAway); err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}

	sess, err := store.Session(ctx, "alice")
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if len(sess.Connections) != 1 {
		t.Fatalf("Expected self-healed connection, got %+v", sess)
	}
	if sess.Connections[0].Status != StatusAway {
		t.Errorf("Expected status away, got %s", sess.Connections[0].Status)
	}
}

func TestSetConnectionFlipsVisibleStatus(t *testing.T) {
	store, backend, _ := newTestStore(nil)
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	if err := store.SetConnection(ctx, "alice", h, StatusAway); err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}
	us, _ := backend.UserStatus(ctx, "alice")
	if us.Status != StatusAway {
		t.Errorf("Expected opportunistic away flip with online default, got %s", us.Status)
	}

	// A pinned default must not be overridden by the fast path.
	if _, err := backend.SetDefaultStatus(ctx, "alice", StatusBusy); err != nil {
		t.Fatalf("SetDefaultStatus failed: %v", err)
	}
	if err := store.SetConnection(ctx, "alice", h, StatusOnline); err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}
	us, _ = backend.UserStatus(ctx, "alice")
	if us.Status != StatusAway {
		t.Errorf("Expected fast path to skip non-online default, got %s", us.Status)
	}
}

func TestSetDefaultStatusEmitsOnlyOnChange(t *testing.T) {
	var emitted []Status
	store, _, _ := newTestStore(func(_ context.Context, _ string, status Status) {
		emitted = append(emitted, status)
	})
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != StatusOnline {
		t.Fatalf("Expected online emission on first connection, got %v", emitted)
	}

	if err := store.SetDefaultStatus(ctx, "alice", StatusBusy); err != nil {
		t.Fatalf("SetDefaultStatus failed: %v", err)
	}
	if len(emitted) != 2 || emitted[1] != StatusBusy {
		t.Fatalf("Expected busy emission after default change, got %v", emitted)
	}

	// Same default again: modified count is zero, nothing may be emitted.
	if err := store.SetDefaultStatus(ctx, "alice", StatusBusy); err != nil {
		t.Fatalf("SetDefaultStatus failed: %v", err)
	}
	if len(emitted) != 2 {
		t.Errorf("Expected no emission for a no-op default change, got %v", emitted)
	}

	// Invalid status is ignored.
	if err := store.SetDefaultStatus(ctx, "alice", Status("invisible")); err != nil {
		t.Fatalf("SetDefaultStatus failed: %v", err)
	}
	if len(emitted) != 2 {
		t.Errorf("Expected invalid status to be ignored, got %v", emitted)
	}
}

func TestHandleCloseIdempotent(t *testing.T) {
	store, _, _ := newTestStore(nil)
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	if err := store.HandleClose(ctx, h); err != nil {
		t.Fatalf("HandleClose failed: %v", err)
	}
	if err := store.HandleClose(ctx, h); err != nil {
		t.Errorf("Expected double close to be a no-op, got %v", err)
	}

	sess, _ := store.Session(ctx, "alice")
	if len(sess.Connections) != 0 {
		t.Errorf("Expected zero connections after close, got %d", len(sess.Connections))
	}
}

func TestHandleCloseResolvesUnboundHandle(t *testing.T) {
	backend := NewMemoryBackend()
	var emitted []Status
	reconciler := NewReconciler(backend, func(_ context.Context, _ string, status Status) {
		emitted = append(emitted, status)
	})
	storeA := NewStore(backend, "instance-a", reconciler)
	storeB := NewStore(backend, "instance-b", reconciler)
	ctx := context.Background()

	if err := storeA.CreateConnection(ctx, "alice", NewConnHandle("conn-1"), StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	// The disconnect lands on an instance that never saw the connect, so
	// its handle has no bound user. The backend resolves the owner from
	// the connection id; the entry must not stay behind.
	if err := storeB.HandleClose(ctx, NewConnHandle("conn-1")); err != nil {
		t.Fatalf("HandleClose failed: %v", err)
	}

	sess, _ := storeB.Session(ctx, "alice")
	if len(sess.Connections) != 0 {
		t.Errorf("connection leaked: %+v", sess.Connections)
	}
	if len(emitted) != 2 || emitted[1] != StatusOffline {
		t.Errorf("Expected offline emission after remote close, got %v", emitted)
	}
}

func TestSetConnectionRefreshesMetadata(t *testing.T) {
	store, _, _ := newTestStore(nil)
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := store.CreateConnection(ctx, "alice", h, StatusOnline, map[string]any{"visitor": false}); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	// The in-place status update carries the handle's current metadata.
	h.SetMetadata(map[string]any{"visitor": true})
	if err := store.SetConnection(ctx, "alice", h, StatusAway); err != nil {
		t.Fatalf("SetConnection failed: %v", err)
	}

	sess, _ := store.Session(ctx, "alice")
	if v, _ := sess.Metadata["visitor"].(bool); !v {
		t.Errorf("Expected session metadata refreshed, got %+v", sess.Metadata)
	}
}

func TestPruneDeadInstances(t *testing.T) {
	backend := NewMemoryBackend()
	storeA := NewStore(backend, "instance-a", nil)
	storeB := NewStore(backend, "instance-b", nil)
	ctx := context.Background()

	if err := storeA.CreateConnection(ctx, "alice", NewConnHandle("conn-a"), StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	if err := storeB.CreateConnection(ctx, "alice", NewConnHandle("conn-b"), StatusOnline, nil); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}

	// instance-a crashed without its shutdown hook; only instance-b is live.
	if err := storeB.PruneDeadInstances(ctx, []string{"instance-b"}); err != nil {
		t.Fatalf("PruneDeadInstances failed: %v", err)
	}

	sess, _ := storeB.Session(ctx, "alice")
	if len(sess.Connections) != 1 || sess.Connections[0].ID != "conn-b" {
		t.Errorf("Expected only the live instance's connection to survive, got %+v", sess.Connections)
	}
}

func TestServiceRejectsCrossUser(t *testing.T) {
	store, _, _ := newTestStore(nil)
	svc := NewService(store)
	ctx := context.Background()

	h := NewConnHandle("conn-1")
	if err := svc.Connect(ctx, "alice", "bob", h, nil); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for cross-user connect, got %v", err)
	}
	if err := svc.SetAway(ctx, "alice", "bob", h); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for cross-user away, got %v", err)
	}
	if err := svc.SetDefaultStatus(ctx, "alice", "bob", StatusBusy); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden for cross-user default, got %v", err)
	}

	// Absent target defaults to the caller.
	if err := svc.Connect(ctx, "alice", "", h, nil); err != nil {
		t.Errorf("Expected connect with absent target to succeed, got %v", err)
	}
	sess, _ := store.Session(ctx, "alice")
	if sess == nil || len(sess.Connections) != 1 {
		t.Errorf("Expected connection for the caller, got %+v", sess)
	}
}

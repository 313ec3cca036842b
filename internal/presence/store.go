package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store owns the per-user session records. All connection mutation goes
// through it; the reconciler derives the visible user status from what it
// writes.
type Store struct {
	backend    Backend
	instanceID string
	reconciler *Reconciler
	log        *slog.Logger
	verbose    bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithVerboseLogs raises presence logging from debug to info level.
func WithVerboseLogs() StoreOption {
	return func(s *Store) { s.verbose = true }
}

// NewStore creates a presence store tagging new connections with the given
// instance id. The reconciler may be nil when status-change notifications
// are not needed (tests, maintenance tooling).
func NewStore(backend Backend, instanceID string, reconciler *Reconciler, opts ...StoreOption) *Store {
	s := &Store{
		backend:    backend,
		instanceID: instanceID,
		reconciler: reconciler,
		log:        slog.With("component", "presence"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) logOp(msg string, args ...any) {
	if s.verbose {
		s.log.Info(msg, args...)
		return
	}
	s.log.Debug(msg, args...)
}

// CreateConnection appends a connection entry to the user's session. It is
// a no-op when the user or connection id is absent, or when the handle is
// already closed — the close path may race with an in-flight create, so the
// closed flag is re-checked immediately before the write.
func (s *Store) CreateConnection(ctx context.Context, userID string, h *ConnHandle, status Status, metadata map[string]any) error {
	if userID == "" || h.ID() == "" {
		return nil
	}
	if h.Closed() {
		return nil
	}

	h.BindUser(userID)
	if status == "" {
		status = StatusOnline
	}
	if metadata != nil {
		h.SetMetadata(metadata)
	}

	s.logOp("createConnection", "user", userID, "conn", h.ID(), "status", status)

	now := time.Now().UTC()
	conn := Connection{
		ID:         h.ID(),
		InstanceID: s.instanceID,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The close callback may have fired while we were preparing the write.
	if h.Closed() {
		return nil
	}

	if err := s.backend.AppendConnection(ctx, userID, conn, metadata); err != nil {
		return fmt.Errorf("append connection: %w", err)
	}
	if s.reconciler != nil {
		return s.reconciler.ProcessUser(ctx, userID)
	}
	return nil
}

// SetConnection updates the named connection's status in place. A missed
// create (modified count zero) self-heals by falling back to
// CreateConnection. Transitions to online or away opportunistically flip
// the visible user status when the default allows it; the authoritative
// recompute stays with the reconciler.
func (s *Store) SetConnection(ctx context.Context, userID string, h *ConnHandle, status Status) error {
	if userID == "" {
		return nil
	}

	s.logOp("setConnection", "user", userID, "conn", h.ID(), "status", status)

	count, err := s.backend.UpdateConnectionStatus(ctx, userID, h.ID(), status, h.Metadata(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if count == 0 {
		return s.CreateConnection(ctx, userID, h, status, h.Metadata())
	}

	switch status {
	case StatusOnline, StatusAway:
		if _, err := s.backend.SetUserStatusIf(ctx, userID, status, StatusOnline); err != nil {
			return fmt.Errorf("set user status: %w", err)
		}
	}
	return nil
}

// SetDefaultStatus records the user's explicit status preference. Invalid
// statuses are ignored. Only a real change triggers the reconciler, so
// repeating the current default emits nothing.
func (s *Store) SetDefaultStatus(ctx context.Context, userID string, status Status) error {
	if userID == "" {
		return nil
	}
	if !status.Valid() {
		s.log.Debug("ignoring invalid default status", "user", userID, "status", status)
		return nil
	}

	s.logOp("setDefaultStatus", "user", userID, "status", status)

	changed, err := s.backend.SetDefaultStatus(ctx, userID, status)
	if err != nil {
		return fmt.Errorf("set default status: %w", err)
	}
	if changed && s.reconciler != nil {
		return s.reconciler.ProcessUser(ctx, userID)
	}
	return nil
}

// RemoveConnection pulls the connection from whichever session holds it
// and reconciles the owning user. Idempotent: removing an already-removed
// connection is a no-op.
func (s *Store) RemoveConnection(ctx context.Context, connID string) error {
	s.logOp("removeConnection", "conn", connID)
	userID, err := s.backend.RemoveConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	if userID != "" && s.reconciler != nil {
		return s.reconciler.ProcessUser(ctx, userID)
	}
	return nil
}

// RemoveConnectionsByInstanceID bulk-removes every connection tagged with
// the instance. Invoked at instance shutdown.
func (s *Store) RemoveConnectionsByInstanceID(ctx context.Context, instanceID string) error {
	s.logOp("removeConnectionsByInstanceId", "instance", instanceID)
	if err := s.backend.RemoveConnectionsByInstanceID(ctx, instanceID); err != nil {
		return fmt.Errorf("remove connections by instance: %w", err)
	}
	return nil
}

// PruneDeadInstances removes connections left behind by instances that are
// no longer registered. Invoked at startup with the registry's live set as
// ground truth.
func (s *Store) PruneDeadInstances(ctx context.Context, liveInstanceIDs []string) error {
	s.logOp("pruneDeadInstances", "live", len(liveInstanceIDs))
	if err := s.backend.RemoveConnectionsNotInInstances(ctx, liveInstanceIDs); err != nil {
		return fmt.Errorf("prune dead instances: %w", err)
	}
	return nil
}

// RemoveAllConnections wipes every session record. Maintenance use only.
func (s *Store) RemoveAllConnections(ctx context.Context) error {
	s.logOp("removeAllConnections")
	if err := s.backend.RemoveAllConnections(ctx); err != nil {
		return fmt.Errorf("remove all connections: %w", err)
	}
	return nil
}

// HandleClose is the transport close callback: it marks the handle closed
// (so a racing create drops out) and removes the connection. The backend
// resolves the owning user from the connection id, so a disconnect landing
// on an instance that never bound the handle still clears the shared entry
// and reconciles the user.
func (s *Store) HandleClose(ctx context.Context, h *ConnHandle) error {
	h.Close()
	if h.ID() == "" {
		return nil
	}
	return s.RemoveConnection(ctx, h.ID())
}

// Session returns the user's session record, or nil when none exists.
func (s *Store) Session(ctx context.Context, userID string) (*Session, error) {
	return s.backend.Session(ctx, userID)
}

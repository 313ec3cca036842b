package presence

import (
	"context"
)

// Service is the externally invoked presence RPC surface. Every operation
// validates that the target id is either absent (defaults to the caller) or
// equal to the caller, and rejects cross-user mutation otherwise.
type Service struct {
	store *Store
}

// NewService wraps a store with the RPC authorization guard.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

func resolveTarget(callerID, targetID string) (string, error) {
	if targetID == "" {
		return callerID, nil
	}
	if targetID != callerID {
		return "", ErrForbidden
	}
	return targetID, nil
}

// Connect registers a new authenticated connection as online.
func (s *Service) Connect(ctx context.Context, callerID, targetID string, h *ConnHandle, metadata map[string]any) error {
	userID, err := resolveTarget(callerID, targetID)
	if err != nil {
		return err
	}
	return s.store.CreateConnection(ctx, userID, h, StatusOnline, metadata)
}

// SetAway marks the connection away.
func (s *Service) SetAway(ctx context.Context, callerID, targetID string, h *ConnHandle) error {
	userID, err := resolveTarget(callerID, targetID)
	if err != nil {
		return err
	}
	return s.store.SetConnection(ctx, userID, h, StatusAway)
}

// SetOnline marks the connection online.
func (s *Service) SetOnline(ctx context.Context, callerID, targetID string, h *ConnHandle) error {
	userID, err := resolveTarget(callerID, targetID)
	if err != nil {
		return err
	}
	return s.store.SetConnection(ctx, userID, h, StatusOnline)
}

// SetDefaultStatus records the target user's explicit status preference.
func (s *Service) SetDefaultStatus(ctx context.Context, callerID, targetID string, status Status) error {
	userID, err := resolveTarget(callerID, targetID)
	if err != nil {
		return err
	}
	return s.store.SetDefaultStatus(ctx, userID, status)
}

// Disconnect runs the close path for the connection.
func (s *Service) Disconnect(ctx context.Context, h *ConnHandle) error {
	return s.store.HandleClose(ctx, h)
}

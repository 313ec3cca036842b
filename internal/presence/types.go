package presence

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a presence status. The set is closed.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the allowed statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// priority orders statuses for the effective-status computation:
// online > away > busy > offline.
func (s Status) priority() int {
	switch s {
	case StatusOnline:
		return 3
	case StatusAway:
		return 2
	case StatusBusy:
		return 1
	default:
		return 0
	}
}

// Connection is one live client connection inside a user's session record.
type Connection struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instanceId"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"_createdAt"`
	UpdatedAt  time.Time `json:"_updatedAt"`
}

// Session is the per-user record of active connections.
type Session struct {
	UserID      string         `json:"_id"`
	Connections []Connection   `json:"connections"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// UserStatus is the pair of status fields tracked per user: the explicit
// preference and the currently effective, externally visible value.
type UserStatus struct {
	Status        Status `json:"status"`
	StatusDefault Status `json:"statusDefault"`
}

// ErrForbidden is returned when a caller tries to change another user's
// presence state.
var ErrForbidden = errors.New("cannot-change-other-users-status")

// ConnHandle is the per-socket handle shared between the transport layer and
// the presence store. Its closed flag is the guard against the race between
// a connection closing and an in-flight create for the same connection.
type ConnHandle struct {
	id     string
	closed atomic.Bool

	mu       sync.Mutex
	userID   string
	metadata map[string]any
}

// NewConnHandle creates a handle for the given transport connection id.
func NewConnHandle(id string) *ConnHandle {
	return &ConnHandle{id: id}
}

// ID returns the transport connection id.
func (h *ConnHandle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// Close marks the handle closed. Idempotent; returns true on the first call.
func (h *ConnHandle) Close() bool {
	return h.closed.CompareAndSwap(false, true)
}

// Closed reports whether the connection has been closed.
func (h *ConnHandle) Closed() bool {
	return h.closed.Load()
}

// BindUser records the authenticated user on the handle so the close path
// knows whose session to clean up.
func (h *ConnHandle) BindUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userID = userID
}

// UserID returns the user bound to this handle, if any.
func (h *ConnHandle) UserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userID
}

// SetMetadata stores connection metadata for close-time reconciliation.
func (h *ConnHandle) SetMetadata(md map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata = md
}

// Metadata returns the metadata stored on the handle.
func (h *ConnHandle) Metadata() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metadata
}

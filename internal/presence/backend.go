package presence

import (
	"context"
	"time"
)

// Backend is the storage surface the presence store needs. The document
// store it fronts is the single source of truth shared by all instances;
// nothing here is cached authoritatively in-process.
type Backend interface {
	// AppendConnection upserts the user's session and appends a connection
	// entry. Metadata, when non-nil, replaces the session metadata.
	AppendConnection(ctx context.Context, userID string, conn Connection, metadata map[string]any) error

	// UpdateConnectionStatus updates the named connection's status in place
	// and returns the number of modified entries (0 when the connection is
	// not found). Metadata, when non-nil, replaces the session metadata.
	UpdateConnectionStatus(ctx context.Context, userID, connID string, status Status, metadata map[string]any, at time.Time) (int, error)

	// RemoveConnection pulls the connection from whichever session holds
	// it and returns the owning user's id, or "" when nothing was removed.
	// Removing an absent connection is a no-op.
	RemoveConnection(ctx context.Context, connID string) (string, error)

	// RemoveConnectionsByInstanceID pulls every connection tagged with the
	// instance.
	RemoveConnectionsByInstanceID(ctx context.Context, instanceID string) error

	// RemoveConnectionsNotInInstances pulls every connection whose instance
	// id is not in the live set. Used at startup to repair crash residue.
	RemoveConnectionsNotInInstances(ctx context.Context, live []string) error

	// RemoveAllConnections wipes every session record.
	RemoveAllConnections(ctx context.Context) error

	// Session returns the user's session record, or nil when none exists.
	Session(ctx context.Context, userID string) (*Session, error)

	// UserStatus returns the user's status fields. Unknown users report
	// offline/online defaults.
	UserStatus(ctx context.Context, userID string) (UserStatus, error)

	// SetUserStatusIf sets the visible status to want when the user's
	// default equals requireDefault and the visible status differs from
	// want. Returns whether a change was made.
	SetUserStatusIf(ctx context.Context, userID string, want, requireDefault Status) (bool, error)

	// SetUserStatus sets the visible status when it differs from status.
	SetUserStatus(ctx context.Context, userID string, status Status) (bool, error)

	// SetDefaultStatus sets statusDefault when it differs from status.
	SetDefaultStatus(ctx context.Context, userID string, status Status) (bool, error)

	Close() error
}

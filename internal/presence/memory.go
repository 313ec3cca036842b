package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-memory Backend for tests and single-node use.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[string]*UserStatus
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*Session),
		users:    make(map[string]*UserStatus),
	}
}

func (b *MemoryBackend) AppendConnection(_ context.Context, userID string, conn Connection, metadata map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID}
		b.sessions[userID] = sess
	}
	sess.Connections = append(sess.Connections, conn)
	if metadata != nil {
		sess.Metadata = metadata
	}
	return nil
}

func (b *MemoryBackend) UpdateConnectionStatus(_ context.Context, userID, connID string, status Status, metadata map[string]any, at time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[userID]
	if !ok {
		return 0, nil
	}
	for i := range sess.Connections {
		if sess.Connections[i].ID == connID {
			sess.Connections[i].Status = status
			sess.Connections[i].UpdatedAt = at
			if metadata != nil {
				sess.Metadata = metadata
			}
			return 1, nil
		}
	}
	return 0, nil
}

func (b *MemoryBackend) RemoveConnection(_ context.Context, connID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, sess := range b.sessions {
		for i := range sess.Connections {
			if sess.Connections[i].ID == connID {
				sess.Connections = append(sess.Connections[:i], sess.Connections[i+1:]...)
				return userID, nil
			}
		}
	}
	return "", nil
}

func (b *MemoryBackend) RemoveConnectionsByInstanceID(_ context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		sess.Connections = filterConnections(sess.Connections, func(c Connection) bool {
			return c.InstanceID != instanceID
		})
	}
	return nil
}

func (b *MemoryBackend) RemoveConnectionsNotInInstances(_ context.Context, live []string) error {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sess := range b.sessions {
		sess.Connections = filterConnections(sess.Connections, func(c Connection) bool {
			return alive[c.InstanceID]
		})
	}
	return nil
}

func (b *MemoryBackend) RemoveAllConnections(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = make(map[string]*Session)
	return nil
}

func (b *MemoryBackend) Session(_ context.Context, userID string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[userID]
	if !ok {
		return nil, nil
	}
	clone := &Session{
		UserID:      sess.UserID,
		Connections: append([]Connection(nil), sess.Connections...),
		Metadata:    sess.Metadata,
	}
	return clone, nil
}

func (b *MemoryBackend) UserStatus(_ context.Context, userID string) (UserStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if us, ok := b.users[userID]; ok {
		return *us, nil
	}
	return UserStatus{Status: StatusOffline, StatusDefault: StatusOnline}, nil
}

func (b *MemoryBackend) userStatusLocked(userID string) *UserStatus {
	us, ok := b.users[userID]
	if !ok {
		us = &UserStatus{Status: StatusOffline, StatusDefault: StatusOnline}
		b.users[userID] = us
	}
	return us
}

func (b *MemoryBackend) SetUserStatusIf(_ context.Context, userID string, want, requireDefault Status) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	us := b.userStatusLocked(userID)
	if us.StatusDefault != requireDefault || us.Status == want {
		return false, nil
	}
	us.Status = want
	return true, nil
}

func (b *MemoryBackend) SetUserStatus(_ context.Context, userID string, status Status) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	us := b.userStatusLocked(userID)
	if us.Status == status {
		return false, nil
	}
	us.Status = status
	return true, nil
}

func (b *MemoryBackend) SetDefaultStatus(_ context.Context, userID string, status Status) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	us := b.userStatusLocked(userID)
	if us.StatusDefault == status {
		return false, nil
	}
	us.StatusDefault = status
	return true, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func filterConnections(conns []Connection, keep func(Connection) bool) []Connection {
	out := conns[:0]
	for _, c := range conns {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

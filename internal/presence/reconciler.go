package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Notifier receives user status changes the reconciler decides are
// observable. Wired to the notification bus in the daemon.
type Notifier func(ctx context.Context, userID string, status Status)

// EffectiveStatus derives the externally visible status from the user's
// default preference and the statuses of their live connections. No
// connections means offline. A default of online follows the
// highest-priority connection status; any other default is pinned while
// connected.
func EffectiveStatus(def Status, connections []Status) Status {
	if len(connections) == 0 {
		return StatusOffline
	}
	if def == "" {
		def = StatusOnline
	}
	if def != StatusOnline {
		return def
	}
	best := StatusOffline
	for _, st := range connections {
		if st.priority() > best.priority() {
			best = st
		}
	}
	return best
}

// Reconciler is the authoritative recompute path: it folds a user's
// connections and default preference into the visible status and emits a
// notification only on a real transition. Recomputes are serialized per
// user so a default-status change cannot race a connection add or remove
// for the same user.
type Reconciler struct {
	backend Backend
	notify  Notifier
	log     *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewReconciler creates a reconciler over the backend. notify may be nil.
func NewReconciler(backend Backend, notify Notifier) *Reconciler {
	return &Reconciler{
		backend: backend,
		notify:  notify,
		log:     slog.With("component", "presence-monitor"),
		users:   make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.users[userID] = lock
	}
	return lock
}

// ProcessUser recomputes the user's effective status and, when it changed,
// persists it and emits the status-change notification.
func (r *Reconciler) ProcessUser(ctx context.Context, userID string) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := r.backend.Session(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	us, err := r.backend.UserStatus(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user status: %w", err)
	}

	var connStatuses []Status
	if sess != nil {
		connStatuses = make([]Status, 0, len(sess.Connections))
		for _, conn := range sess.Connections {
			connStatuses = append(connStatuses, conn.Status)
		}
	}

	effective := EffectiveStatus(us.StatusDefault, connStatuses)
	changed, err := r.backend.SetUserStatus(ctx, userID, effective)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	if !changed {
		return nil
	}

	r.log.Debug("user status changed", "user", userID, "status", effective)
	if r.notify != nil {
		r.notify(ctx, userID, effective)
	}
	return nil
}

// Package membership mirrors room membership with both forward and reverse
// indexes. Forward (room to users) serves room broadcasts and the
// room-users relay; reverse (user to rooms) makes per-user room listing
// O(1). Room CRUD itself lives elsewhere; this index follows its deltas.
package membership

import (
	"sort"
	"sync"
)

// Action is a membership delta kind.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
)

// Delta is one membership change event.
type Delta struct {
	Room   string
	Action Action
	UserID string
}

// Watcher receives membership deltas for one user's rooms. Registered by
// aggregate bus subscriptions that need to follow joins and leaves live.
type Watcher func(Delta)

// Index is the thread-safe dual-index membership mirror.
type Index struct {
	mu    sync.RWMutex
	rooms map[string]map[string]bool // forward: room → users
	users map[string]map[string]bool // reverse: user → rooms

	watchMu  sync.Mutex
	watchers map[string]map[int]Watcher // user → registered watchers
	nextID   int
}

// NewIndex returns an empty membership index.
func NewIndex() *Index {
	return &Index{
		rooms:    make(map[string]map[string]bool),
		users:    make(map[string]map[string]bool),
		watchers: make(map[string]map[int]Watcher),
	}
}

// Apply folds one delta into the index and notifies the user's watchers.
func (m *Index) Apply(d Delta) {
	switch d.Action {
	case ActionJoin:
		m.add(d.Room, d.UserID)
	case ActionLeave:
		m.remove(d.Room, d.UserID)
	default:
		return
	}
	m.notify(d)
}

func (m *Index) add(room, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][userID] = true
	if m.users[userID] == nil {
		m.users[userID] = make(map[string]bool)
	}
	m.users[userID][room] = true
}

func (m *Index) remove(room, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if rooms, ok := m.users[userID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m.users, userID)
		}
	}
}

// Members returns the users in a room.
func (m *Index) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for uid := range members {
		result = append(result, uid)
	}
	sort.Strings(result)
	return result
}

// UserRooms returns all rooms a user is in, via the reverse index.
func (m *Index) UserRooms(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.users[userID]
	if len(rooms) == 0 {
		return nil
	}
	result := make([]string, 0, len(rooms))
	for room := range rooms {
		result = append(result, room)
	}
	sort.Strings(result)
	return result
}

// UserRoomsPage returns one page of the user's rooms, sorted, for lazy
// enumeration. hasMore reports whether another page exists.
func (m *Index) UserRoomsPage(userID string, offset, limit int) (rooms []string, hasMore bool) {
	all := m.UserRooms(userID)
	if offset >= len(all) {
		return nil, false
	}
	end := offset + limit
	if end >= len(all) {
		return all[offset:], false
	}
	return all[offset:end], true
}

// IsMember reports whether the user is in the room.
func (m *Index) IsMember(room, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[room][userID]
}

// Watch registers a watcher for one user's membership deltas. The returned
// function removes it.
func (m *Index) Watch(userID string, w Watcher) (cancel func()) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	if m.watchers[userID] == nil {
		m.watchers[userID] = make(map[int]Watcher)
	}
	id := m.nextID
	m.nextID++
	m.watchers[userID][id] = w

	return func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		delete(m.watchers[userID], id)
		if len(m.watchers[userID]) == 0 {
			delete(m.watchers, userID)
		}
	}
}

func (m *Index) notify(d Delta) {
	m.watchMu.Lock()
	registered := make([]Watcher, 0, len(m.watchers[d.UserID]))
	for _, w := range m.watchers[d.UserID] {
		registered = append(registered, w)
	}
	m.watchMu.Unlock()

	for _, w := range registered {
		w(d)
	}
}

// Swap atomically replaces the index contents with another index's data.
// Used after re-hydration so readers never observe a partial state.
func (m *Index) Swap(other *Index) {
	other.mu.RLock()
	rooms := other.rooms
	users := other.users
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = rooms
	m.users = users
}

// Reset clears the index.
func (m *Index) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]map[string]bool)
	m.users = make(map[string]map[string]bool)
}

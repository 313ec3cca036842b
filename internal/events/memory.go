package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryCollection is an in-memory Collection for tests and single-node
// development. Per-context locks make AddEvent's check-then-insert atomic
// within the process; cross-instance deployments use the Postgres backend.
type MemoryCollection struct {
	mu     sync.RWMutex
	events map[string]*Event
	byCtx  map[ContextQuery][]string

	lockMu sync.Mutex
	locks  map[ContextQuery]*sync.Mutex
}

// NewMemoryCollection returns an empty in-memory collection.
func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{
		events: make(map[string]*Event),
		byCtx:  make(map[ContextQuery][]string),
		locks:  make(map[ContextQuery]*sync.Mutex),
	}
}

func (c *MemoryCollection) Insert(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.events[ev.ID]; ok {
		return fmt.Errorf("duplicate event id %s", ev.ID)
	}
	clone := cloneEvent(ev)
	c.events[ev.ID] = clone
	cq := ev.ContextQuery
	c.byCtx[cq] = append(c.byCtx[cq], ev.ID)
	return nil
}

func (c *MemoryCollection) Get(_ context.Context, id string) (*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ev, ok := c.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(ev), nil
}

func (c *MemoryCollection) Leaves(_ context.Context, cq ContextQuery) ([]*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var leaves []*Event
	for _, id := range c.byCtx[cq] {
		if ev := c.events[id]; ev.IsLeaf {
			leaves = append(leaves, cloneEvent(ev))
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].ID < leaves[j].ID })
	return leaves, nil
}

func (c *MemoryCollection) ExistingIDs(_ context.Context, cq ContextQuery, ids []string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var present []string
	for _, id := range ids {
		if ev, ok := c.events[id]; ok && ev.ContextQuery == cq {
			present = append(present, id)
		}
	}
	return present, nil
}

func (c *MemoryCollection) ClearLeaves(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if ev, ok := c.events[id]; ok {
			ev.IsLeaf = false
			ev.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (c *MemoryCollection) FindOne(_ context.Context, cq ContextQuery, t Type, clientID string) (*Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.byCtx[cq] {
		ev := c.events[id]
		if ev.Type != t {
			continue
		}
		if clientID != "" && ev.ClientID != clientID {
			continue
		}
		return cloneEvent(ev), nil
	}
	return nil, nil
}

func (c *MemoryCollection) SetData(_ context.Context, id string, data map[string]any, updatedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	ev.Data = data
	ev.UpdatedAt = updatedAt
	return nil
}

func (c *MemoryCollection) SetDeletedAt(_ context.Context, id string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	deletedAt := at
	ev.DeletedAt = &deletedAt
	ev.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *MemoryCollection) LockContext(_ context.Context, cq ContextQuery) (func(), error) {
	c.lockMu.Lock()
	lock, ok := c.locks[cq]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[cq] = lock
	}
	c.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}

func (c *MemoryCollection) Close() error {
	return nil
}

func cloneEvent(ev *Event) *Event {
	clone := *ev
	clone.ParentIDs = append([]string(nil), ev.ParentIDs...)
	clone.Original = deepCopyMap(ev.Original)
	clone.Data = deepCopyMap(ev.Data)
	if ev.DeletedAt != nil {
		at := *ev.DeletedAt
		clone.DeletedAt = &at
	}
	return &clone
}

package instances

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	current string
	live    map[string]Instance
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{live: make(map[string]Instance)}
}

func (r *MemoryRegistry) Register(_ context.Context, inst Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = inst.ID
	r.live[inst.ID] = inst
	return nil
}

func (r *MemoryRegistry) CurrentInstanceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *MemoryRegistry) ListLiveInstanceIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryRegistry) Deregister(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, r.current)
	return nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}

// MarkDead drops an arbitrary instance from the live set, simulating a
// crash for tests.
func (r *MemoryRegistry) MarkDead(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, instanceID)
}

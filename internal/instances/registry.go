// Package instances tracks the live server instances sharing one backing
// store. The presence tier uses the live set as ground truth when pruning
// connections orphaned by an instance that died without its shutdown hook.
package instances

import (
	"context"
	"time"
)

// Instance describes one registered server process.
type Instance struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Port         string    `json:"port"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry is the authoritative list of currently-registered instances.
type Registry interface {
	// Register adds this process to the registry and starts keeping its
	// entry alive until Deregister or Close.
	Register(ctx context.Context, inst Instance) error
	// CurrentInstanceID returns the id registered by this process, or ""
	// before Register.
	CurrentInstanceID() string
	// ListLiveInstanceIDs returns the ids of all instances currently
	// considered alive.
	ListLiveInstanceIDs(ctx context.Context) ([]string, error)
	// Deregister removes this process's entry.
	Deregister(ctx context.Context) error
	Close() error
}

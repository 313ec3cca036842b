package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Collection is the document-store surface the event log needs. Backends
// must make LockContext exclude concurrent lockers of the same context
// across every writer sharing the backing store.
type Collection interface {
	// Insert persists a new event. The store only calls it under the
	// context lock after a duplicate check, so ids are unique.
	Insert(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// Leaves returns the events forming the current causal frontier of the
	// context, ordered by id.
	Leaves(ctx context.Context, cq ContextQuery) ([]*Event, error)
	// ExistingIDs reports which of the given ids are present in the context.
	ExistingIDs(ctx context.Context, cq ContextQuery, ids []string) ([]string, error)
	// ClearLeaves unsets the leaf flag on the given events.
	ClearLeaves(ctx context.Context, ids []string) error
	// FindOne locates the event matching context, type and, when non-empty,
	// client correlation id. Returns nil when there is no match.
	FindOne(ctx context.Context, cq ContextQuery, t Type, clientID string) (*Event, error)
	// SetData replaces the current-data document of an event.
	SetData(ctx context.Context, id string, data map[string]any, updatedAt time.Time) error
	SetDeletedAt(ctx context.Context, id string, at time.Time) error
	// LockContext acquires the per-context append lock. The returned
	// function releases it.
	LockContext(ctx context.Context, cq ContextQuery) (func(), error)
	Close() error
}

// Options carries the store's debug toggles. Both exist for load testing
// only: they trade correctness for write throughput.
type Options struct {
	// DisableLeafSearch skips the causal-frontier query in CreateEvent.
	DisableLeafSearch bool
	// DisableIDHash substitutes a random id for the content-derived one.
	DisableIDHash bool
}

// Store is the append-only, hash-identified event log. All mutation of the
// events collection goes through it.
type Store struct {
	coll   Collection
	reg    *HashRegistry
	opts   Options
	log    *slog.Logger
	closed atomic.Bool
}

// Open constructs a store over the given collection. The caller owns the
// collection's lifecycle up to Close.
func Open(coll Collection, reg *HashRegistry, opts Options) *Store {
	if reg == nil {
		reg = DefaultHashRegistry()
	}
	return &Store{
		coll: coll,
		reg:  reg,
		opts: opts,
		log:  slog.With("component", "eventstore"),
	}
}

// Close marks the store closed and closes the underlying collection.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.coll.Close()
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CreateEvent assembles a new event for the context: it snapshots the
// current leaf frontier as the parent set and computes the data and id
// hashes. It never writes; given identical inputs and an identical frontier
// it returns an identical event.
func (s *Store) CreateEvent(ctx context.Context, src string, cq ContextQuery, stub Stub) (*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var pids []string
	if !s.opts.DisableLeafSearch {
		leaves, err := s.coll.Leaves(ctx, cq)
		if err != nil {
			return nil, fmt.Errorf("leaf search: %w", err)
		}
		pids = make([]string, 0, len(leaves))
		for _, leaf := range leaves {
			pids = append(pids, leaf.ID)
		}
		sort.Strings(pids)
	}

	now := time.Now().UTC()
	ev := &Event{
		ClientID:     stub.ClientID,
		ParentIDs:    pids,
		Version:      eventVersion,
		Timestamp:    now,
		Source:       src,
		ContextQuery: cq,
		Type:         stub.Type,
		Original:     stub.Data,
		Data:         stub.Data,
		IsLeaf:       true,
		UpdatedAt:    now,
	}

	if s.opts.DisableIDHash {
		ev.DataHash = uuid.NewString()
		ev.ID = uuid.NewString()
		return ev, nil
	}

	dHash, err := s.reg.DataHash(ev)
	if err != nil {
		return nil, err
	}
	ev.DataHash = dHash

	id, err := IDHash(cq, ev)
	if err != nil {
		return nil, err
	}
	ev.ID = id

	return ev, nil
}

// CreateGenesisEvent creates the unique first event of the given type for
// the context. Fails with ErrGenesisExists when one is already present.
func (s *Store) CreateGenesisEvent(ctx context.Context, src string, cq ContextQuery, t Type, data map[string]any) (*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	existing, err := s.coll.FindOne(ctx, cq, t, "")
	if err != nil {
		return nil, fmt.Errorf("genesis lookup: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s/%s type %s", ErrGenesisExists, cq.ContextType, cq.ContextID, t)
	}

	return s.CreateEvent(ctx, src, cq, Stub{Type: t, Data: data})
}

// AddEvent appends an event to the context's DAG. The parent check and the
// insert run under the per-context lock so two concurrent appends cannot
// both claim the same frontier: the loser observes missing parents and is
// expected to fetch them and retry. Re-adding an id already in the store is
// a success no-op, which makes federation retries idempotent.
func (s *Store) AddEvent(ctx context.Context, cq ContextQuery, ev *Event) (AddResult, error) {
	if err := s.checkOpen(); err != nil {
		return AddResult{}, err
	}

	unlock, err := s.coll.LockContext(ctx, cq)
	if err != nil {
		return AddResult{}, fmt.Errorf("lock context: %w", err)
	}
	defer unlock()

	existing, err := s.coll.Get(ctx, ev.ID)
	if err != nil {
		return AddResult{}, fmt.Errorf("duplicate lookup: %w", err)
	}
	if existing != nil {
		return AddResult{Success: true}, nil
	}

	if s.opts.DisableLeafSearch {
		ev.UpdatedAt = time.Now().UTC()
		if err := s.coll.Insert(ctx, ev); err != nil {
			return AddResult{}, fmt.Errorf("insert event: %w", err)
		}
		return AddResult{Success: true}, nil
	}

	var present []string
	if len(ev.ParentIDs) > 0 {
		present, err = s.coll.ExistingIDs(ctx, cq, ev.ParentIDs)
		if err != nil {
			return AddResult{}, fmt.Errorf("parent lookup: %w", err)
		}
		if len(present) != len(ev.ParentIDs) {
			return s.missingParents(ctx, cq, ev, present)
		}
	}

	// Parents must claim the whole current frontier. A stale claim means a
	// concurrent append won the race since this event was created; the
	// caller re-derives from the returned frontier and retries.
	frontier, err := s.coll.Leaves(ctx, cq)
	if err != nil {
		return AddResult{}, fmt.Errorf("frontier lookup: %w", err)
	}
	if !claimsFrontier(ev.ParentIDs, frontier) {
		return s.missingParents(ctx, cq, ev, present)
	}

	if len(ev.ParentIDs) > 0 {
		if err := s.coll.ClearLeaves(ctx, ev.ParentIDs); err != nil {
			return AddResult{}, fmt.Errorf("clear parent leaves: %w", err)
		}
	}

	ev.IsLeaf = true
	ev.UpdatedAt = time.Now().UTC()
	if err := s.coll.Insert(ctx, ev); err != nil {
		return AddResult{}, fmt.Errorf("insert event: %w", err)
	}

	s.log.Debug("event appended",
		"id", ev.ID, "type", ev.Type,
		"context", cq.ContextType+"/"+cq.ContextID, "parents", len(ev.ParentIDs))

	return AddResult{Success: true}, nil
}

func (s *Store) missingParents(ctx context.Context, cq ContextQuery, ev *Event, present []string) (AddResult, error) {
	have := make(map[string]bool, len(present))
	for _, id := range present {
		have[id] = true
	}
	missing := make([]string, 0, len(ev.ParentIDs))
	for _, id := range ev.ParentIDs {
		if !have[id] {
			missing = append(missing, id)
		}
	}

	leaves, err := s.coll.Leaves(ctx, cq)
	if err != nil {
		return AddResult{}, fmt.Errorf("frontier lookup: %w", err)
	}
	latest := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		latest = append(latest, leaf.ID)
	}

	s.log.Debug("event rejected, missing parents",
		"id", ev.ID, "missing", len(missing), "frontier", len(latest))

	return AddResult{
		Success:          false,
		Reason:           ReasonMissingParents,
		MissingParentIDs: missing,
		LatestEventIDs:   latest,
	}, nil
}

// UpdateEventData merges a partial update into the current data of the one
// event matching context, type and optional correlation id. Keys may use
// dot-separated paths to address nested fields. The original data is never
// touched.
func (s *Store) UpdateEventData(ctx context.Context, cq ContextQuery, t Type, update map[string]any, clientID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	existing, err := s.coll.FindOne(ctx, cq, t, clientID)
	if err != nil {
		return fmt.Errorf("event lookup: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("%w: %s/%s type %s", ErrEventNotFound, cq.ContextType, cq.ContextID, t)
	}

	data := deepCopyMap(existing.Data)
	for path, value := range update {
		setPath(data, path, value)
	}

	return s.coll.SetData(ctx, existing.ID, data, time.Now().UTC())
}

// FlagEventAsDeleted sets the tombstone timestamp on the matching event. The
// event is retained and its causal structure is unchanged.
func (s *Store) FlagEventAsDeleted(ctx context.Context, cq ContextQuery, t Type, deletedAt time.Time, clientID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	existing, err := s.coll.FindOne(ctx, cq, t, clientID)
	if err != nil {
		return fmt.Errorf("event lookup: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("%w: %s/%s type %s", ErrEventNotFound, cq.ContextType, cq.ContextID, t)
	}

	return s.coll.SetDeletedAt(ctx, existing.ID, deletedAt)
}

// GetEvent returns the event by id, or ErrEventNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ev, err := s.coll.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, nil
}

// Frontier returns the ids of the context's current leaf events.
func (s *Store) Frontier(ctx context.Context, cq ContextQuery) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	leaves, err := s.coll.Leaves(ctx, cq)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		ids = append(ids, leaf.ID)
	}
	return ids, nil
}

// claimsFrontier reports whether the parent set equals the current leaf set.
func claimsFrontier(parents []string, leaves []*Event) bool {
	if len(parents) != len(leaves) {
		return false
	}
	claimed := make(map[string]bool, len(parents))
	for _, id := range parents {
		claimed[id] = true
	}
	for _, leaf := range leaves {
		if !claimed[leaf.ID] {
			return false
		}
	}
	return true
}

// setPath writes value at a dot-separated path, creating intermediate maps
// as needed. A non-map intermediate value is replaced.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

package events

import (
	"time"
)

// Type identifies the kind of an event. The set is closed; new kinds are
// introduced together with their hash options (see HashRegistry).
type Type string

const (
	TypeRoom          Type = "room"
	TypeMessage       Type = "msg"
	TypeEditMessage   Type = "emsg"
	TypeDeleteMessage Type = "dmsg"
	TypeDeleteRoom    Type = "droom"
)

// ContextQuery identifies the causal partition an event belongs to, e.g. one
// room. The store treats it as opaque beyond equality matching.
type ContextQuery struct {
	ContextType string `json:"ct"`
	ContextID   string `json:"cid"`
}

// Event is a node of the append-only causal DAG. Immutable once written,
// except for the current data (see Store.UpdateEventData) and the tombstone.
type Event struct {
	ID        string         `json:"_id"`
	ClientID  string         `json:"clid,omitempty"`
	ParentIDs []string       `json:"pids"`
	Version   int            `json:"v"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"src"`
	ContextQuery
	Type      Type           `json:"t"`
	DataHash  string         `json:"dHash"`
	Original  map[string]any `json:"o"`
	Data      map[string]any `json:"d"`
	IsLeaf    bool           `json:"isLeaf"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Stub carries the caller-supplied parts of a new event before the store
// fills in the causal frontier and hashes.
type Stub struct {
	ClientID string
	Type     Type
	Data     map[string]any
}

// AddResult is the structured outcome of AddEvent. Missing parents are an
// expected steady-state outcome under concurrent writers, not an error: the
// caller fetches the missing ids (or the returned frontier) and retries.
type AddResult struct {
	Success          bool     `json:"success"`
	Reason           string   `json:"reason,omitempty"`
	MissingParentIDs []string `json:"missingParentIds,omitempty"`
	LatestEventIDs   []string `json:"latestEventIds,omitempty"`
}

// ReasonMissingParents is the Reason value when declared parents are absent.
const ReasonMissingParents = "missingParents"

const eventVersion = 2

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashOption controls which payload fields participate in an event type's
// data hash. Include wins over Skip when both are set.
type HashOption struct {
	Include []string
	Skip    []string
}

// HashOptionsDef binds one HashOption to a group of event types.
type HashOptionsDef struct {
	Types   []Type
	Options HashOption
}

// defaultHashDefs mirrors the deployed hashing rules: message bodies are
// hashed on type, author and text only, so metadata edits do not change
// identity.
var defaultHashDefs = []HashOptionsDef{
	{
		Types:   []Type{TypeMessage, TypeEditMessage},
		Options: HashOption{Include: []string{"t", "u", "msg"}},
	},
}

// HashRegistry maps event types to their hashing options. Built once at
// startup and consulted by value afterwards.
type HashRegistry struct {
	options map[Type]HashOption
}

// NewHashRegistry builds a registry from definitions. Later definitions for
// the same type override earlier ones.
func NewHashRegistry(defs ...HashOptionsDef) *HashRegistry {
	r := &HashRegistry{options: make(map[Type]HashOption)}
	for _, def := range defs {
		for _, t := range def.Types {
			r.options[t] = def.Options
		}
	}
	return r
}

// DefaultHashRegistry returns a registry with the built-in definitions.
func DefaultHashRegistry() *HashRegistry {
	return NewHashRegistry(defaultHashDefs...)
}

func (r *HashRegistry) lookup(t Type) (HashOption, bool) {
	opt, ok := r.options[t]
	return opt, ok
}

// filterData applies the type's hash options to the original payload.
func (r *HashRegistry) filterData(t Type, data map[string]any) map[string]any {
	opt, ok := r.lookup(t)
	if !ok {
		return data
	}
	filtered := make(map[string]any, len(data))
	if len(opt.Include) > 0 {
		for _, k := range opt.Include {
			if v, ok := data[k]; ok {
				filtered[k] = v
			}
		}
		return filtered
	}
	skip := make(map[string]bool, len(opt.Skip))
	for _, k := range opt.Skip {
		skip[k] = true
	}
	for k, v := range data {
		if !skip[k] {
			filtered[k] = v
		}
	}
	return filtered
}

// DataHash computes the hash of the event's canonical, filtered original
// payload. encoding/json marshals map keys in sorted order, which makes the
// serialization canonical.
func (r *HashRegistry) DataHash(ev *Event) (string, error) {
	data := r.filterData(ev.Type, ev.Original)
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal event data for hashing: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// IDHash computes the content-derived event id from the causal inputs:
// source, context, parent ids, type, timestamp and data hash. Identical
// inputs always yield the same id.
func IDHash(cq ContextQuery, ev *Event) (string, error) {
	ctxRaw, err := json.Marshal(cq)
	if err != nil {
		return "", fmt.Errorf("marshal context query for hashing: %w", err)
	}
	input := ev.Source + string(ctxRaw) + strings.Join(ev.ParentIDs, ",") +
		string(ev.Type) + ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00") + ev.DataHash
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:]), nil
}

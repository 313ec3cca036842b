package events

import "errors"

var (
	// ErrGenesisExists is returned when a genesis event already exists for
	// the given context and type.
	ErrGenesisExists = errors.New("genesis event already exists for context")

	// ErrEventNotFound is returned when an update or tombstone addresses an
	// event that is not in the store.
	ErrEventNotFound = errors.New("event not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("event store is closed")
)

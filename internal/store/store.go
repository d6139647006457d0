// Package store holds the kernel's deterministic in-memory stores.
// Each store exclusively owns its entities, is guarded by a single
// RWMutex (the serializable equivalent of the reference single-loop
// model), and lists entities in a total order of (timestamp, id).
package store

import "errors"

// ErrDuplicateID is returned when an insert collides on the primary key.
var ErrDuplicateID = errors.New("duplicate id")

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("not found")

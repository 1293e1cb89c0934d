// Package storage defines the shared-state contract the semaphore core
// depends on: a permit record per name with compare-and-swap writes, plus a
// change feed that carries release, cancel and destroy notifications across
// processes.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Record is the durable cross-process representation of one named
// semaphore: its capacity ceiling, the number of free permits and the
// generation counter bumped by destroy.
type Record struct {
	MaxCount      int   `json:"max_count"`
	FreeCount     int   `json:"free_count"`
	Generation    int64 `json:"generation"`
	Destroyed     bool  `json:"destroyed,omitempty"`
	UpdatedAtUnix int64 `json:"updated_at_unix,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// LoadResult pairs a record with the opaque ETag backends use for CAS.
type LoadResult struct {
	Record *Record
	ETag   string
}

// EventKind tags the wake events emitted by the change feed.
type EventKind string

// Wake event kinds published alongside record mutations.
const (
	EventReleased  EventKind = "released"
	EventCancelled EventKind = "cancelled"
	EventDestroyed EventKind = "destroyed"
)

// Event is one wake notification for a named semaphore. Generation scopes
// the event so waiters under an older generation can tell a broadcast
// apart from noise after a destroy/recreate cycle.
type Event struct {
	Kind       EventKind
	Generation int64
}

// Subscription delivers wake events for one name. Events may be coalesced;
// receivers must treat every event as a hint to re-check the record rather
// than as a guaranteed state transition.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Backend is the adapter contract over the shared store.
//
// StoreRecord enforces CAS semantics: an empty expectedETag means
// create-only (the write fails with ErrCASMismatch when the record already
// exists); a non-empty expectedETag must match the stored ETag or the
// write fails with ErrCASMismatch. This single conditional-write primitive
// is what makes bounded permit accounting atomic across processes.
type Backend interface {
	// LoadRecord returns the current record and its opaque ETag.
	LoadRecord(ctx context.Context, name string) (LoadResult, error)
	// StoreRecord writes the record under CAS and returns the new ETag.
	StoreRecord(ctx context.Context, name string, rec *Record, expectedETag string) (string, error)
	// DeleteRecord removes the record, enforcing CAS when expectedETag is set.
	DeleteRecord(ctx context.Context, name string, expectedETag string) error

	// Publish emits a wake event to every subscriber of name. Backends
	// without a native notification channel may implement this as a no-op;
	// subscribers then rely on polling.
	Publish(ctx context.Context, name string, ev Event) error
	// Subscribe registers for wake events on name. Backends without change
	// feed support return ErrNotImplemented.
	Subscribe(name string) (Subscription, error)

	// Close releases backend resources.
	Close() error
}

type unavailableError struct {
	err error
}

func (u unavailableError) Error() string { return u.err.Error() }
func (u unavailableError) Unwrap() error { return u.err }

// NewUnavailableError marks err as a store connectivity failure. The core
// surfaces these unchanged instead of retrying; retry policy belongs to
// the adapter or its caller.
func NewUnavailableError(err error) error {
	if err == nil {
		return nil
	}
	return unavailableError{err: err}
}

// IsUnavailable reports whether err was marked as a connectivity failure.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}

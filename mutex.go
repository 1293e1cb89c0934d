package dsema

import (
	"context"

	"pkt.systems/dsema/storage"
)

// Mutex is a distributed mutual-exclusion lock: a Semaphore with
// capacity fixed at 1. Lock and Unlock naming aside, it carries the full
// semaphore surface, including CancelAll and Destroy.
type Mutex struct {
	*Semaphore
}

// NewMutex creates or attaches to the mutex called name.
func NewMutex(ctx context.Context, store storage.Backend, name string, opts ...Option) (*Mutex, error) {
	sem, err := New(ctx, store, name, 1, opts...)
	if err != nil {
		return nil, err
	}
	return &Mutex{Semaphore: sem}, nil
}

// Lock blocks until the mutex is held.
func (m *Mutex) Lock(ctx context.Context) (*Permit, error) {
	return m.Acquire(ctx)
}

// TryLock claims the mutex if it is free right now; nil, nil means it
// was held.
func (m *Mutex) TryLock(ctx context.Context) (*Permit, error) {
	return m.TryAcquire(ctx)
}

// RunExclusive acquires the mutex, runs fn, and releases on every exit
// path, including a panic inside fn. The release ignores ctx
// cancellation so a cancelled fn still returns its permit.
func (m *Mutex) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	p, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("mutex.release_failed", "name", m.name, "error", rerr)
		}
	}()
	return fn(ctx)
}

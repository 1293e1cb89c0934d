// Package memory implements storage.Backend in process memory. It is the
// reference backend for tests and single-process use; records are kept in
// a mutex-guarded map and wake events fan out to in-process subscribers.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/dsema/internal/uuidv7"
	"pkt.systems/dsema/storage"
)

// Store implements storage.Backend in-memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*recordEntry

	watchMu  sync.Mutex
	watchers map[string]map[*subscription]struct{}
}

type recordEntry struct {
	rec  *storage.Record
	etag string
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		records:  make(map[string]*recordEntry),
		watchers: make(map[string]map[*subscription]struct{}),
	}
}

// Close drops all subscriptions. The record map needs no teardown.
func (s *Store) Close() error {
	s.watchMu.Lock()
	var subs []*subscription
	for _, watchers := range s.watchers {
		for sub := range watchers {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.drop()
	}
	return nil
}

// LoadRecord returns a copy of the record stored for name.
func (s *Store) LoadRecord(_ context.Context, name string) (storage.LoadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[name]
	if !ok {
		return storage.LoadResult{}, storage.ErrNotFound
	}
	return storage.LoadResult{Record: entry.rec.Clone(), ETag: entry.etag}, nil
}

// StoreRecord writes the record for name, enforcing CAS via expectedETag.
func (s *Store) StoreRecord(_ context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("mem: record required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.records[name]
	if expectedETag != "" {
		if !exists {
			return "", storage.ErrNotFound
		}
		if entry.etag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		return "", storage.ErrCASMismatch
	}
	etag := uuidv7.NewString()
	clone := rec.Clone()
	clone.UpdatedAtUnix = time.Now().Unix()
	s.records[name] = &recordEntry{rec: clone, etag: etag}
	return etag, nil
}

// DeleteRecord removes the record for name, respecting the expected ETag.
func (s *Store) DeleteRecord(_ context.Context, name string, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[name]
	if !ok {
		return storage.ErrNotFound
	}
	if expectedETag != "" && entry.etag != expectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.records, name)
	return nil
}

// Publish fans the event out to every subscriber of name.
func (s *Store) Publish(_ context.Context, name string, ev storage.Event) error {
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers[name] {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal(ev)
	}
	return nil
}

// Subscribe registers an in-process subscriber for wake events on name.
func (s *Store) Subscribe(name string) (storage.Subscription, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("mem: semaphore name required")
	}
	sub := &subscription{
		store:  s,
		name:   name,
		events: make(chan storage.Event, 8),
	}
	s.watchMu.Lock()
	watchers := s.watchers[name]
	if watchers == nil {
		watchers = make(map[*subscription]struct{})
		s.watchers[name] = watchers
	}
	watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) removeSubscription(name string, sub *subscription) {
	s.watchMu.Lock()
	if watchers, ok := s.watchers[name]; ok {
		delete(watchers, sub)
		if len(watchers) == 0 {
			delete(s.watchers, name)
		}
	}
	s.watchMu.Unlock()
}

type subscription struct {
	store  *Store
	name   string
	events chan storage.Event
	closed uint32
}

func (s *subscription) Events() <-chan storage.Event {
	return s.events
}

func (s *subscription) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.store.removeSubscription(s.name, s)
	close(s.events)
	return nil
}

func (s *subscription) signal(ev storage.Event) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Receiver is lagging; it re-checks the record on the next event
		// it does see, so dropping here is safe.
	}
}

func (s *subscription) drop() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.events)
}

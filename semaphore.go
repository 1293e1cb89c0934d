package dsema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/dsema/internal/clock"
	"pkt.systems/dsema/internal/permit"
	"pkt.systems/dsema/storage"
	"pkt.systems/pslog"
)

// Semaphore is one process's handle on a named distributed semaphore.
// All handles constructed with the same name against the same backend
// share one permit record; each handle keeps its own FIFO queue of
// pending acquires and a watch loop that claims permits for them as
// wake notifications (or the poll fallback) report free capacity.
type Semaphore struct {
	name         string
	maxCount     int
	generation   int64
	store        storage.Backend
	protocol     *permit.Protocol
	clk          clock.Clock
	logger       pslog.Logger
	metrics      *semaphoreMetrics
	pollInterval time.Duration

	mu        sync.Mutex
	waiters   []*waiter
	destroyed bool

	watchOnce sync.Once
	stopOnce  sync.Once
	watchStop chan struct{}
	watchKick chan struct{}
}

// New creates or attaches to the semaphore called name. The first
// process to reach the store fixes the capacity at maxCount; later
// processes adopt the stored capacity even if they pass a different
// one. A name whose record was destroyed is recreated at full capacity
// under a new generation.
func New(ctx context.Context, store storage.Backend, name string, maxCount int, opts ...Option) (*Semaphore, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("dsema: semaphore name must not be empty")
	}
	if maxCount < 1 {
		return nil, fmt.Errorf("dsema: maxCount must be at least 1, got %d", maxCount)
	}
	if store == nil {
		return nil, errors.New("dsema: storage backend is required")
	}
	s := &Semaphore{
		name:         name,
		store:        store,
		clk:          clock.Real{},
		logger:       pslog.NoopLogger(),
		pollInterval: defaultPollInterval,
		watchStop:    make(chan struct{}),
		watchKick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.protocol = permit.NewProtocol(store, s.logger)
	s.metrics = newSemaphoreMetrics(s.logger)
	gen, adopted, err := s.protocol.Ensure(ctx, name, maxCount)
	if err != nil {
		return nil, s.mapError(err)
	}
	s.generation = gen
	s.maxCount = adopted
	if adopted != maxCount {
		s.logger.Debug("semaphore.capacity_adopted", "name", name, "requested", maxCount, "adopted", adopted)
	}
	s.logger.Debug("semaphore.attached", "name", name, "max_count", adopted, "generation", gen)
	return s, nil
}

// Name returns the semaphore's shared name.
func (s *Semaphore) Name() string { return s.name }

// MaxCount returns the capacity recorded in the shared store.
func (s *Semaphore) MaxCount() int { return s.maxCount }

// Acquire blocks until a permit is free, the context is cancelled, or
// the semaphore is cancelled or destroyed.
func (s *Semaphore) Acquire(ctx context.Context) (*Permit, error) {
	return s.acquire(ctx, 0)
}

// AcquireTimeout is Acquire bounded by timeout; it returns
// ErrAcquireTimeout when the deadline elapses first. A non-positive
// timeout waits indefinitely.
func (s *Semaphore) AcquireTimeout(ctx context.Context, timeout time.Duration) (*Permit, error) {
	return s.acquire(ctx, timeout)
}

// TryAcquire claims a permit if one is free right now, without queueing.
// It returns nil, nil when the semaphore is at capacity.
func (s *Semaphore) TryAcquire(ctx context.Context) (*Permit, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	res, err := s.protocol.TryClaim(ctx, s.name, s.generation, s.maxCount)
	if err != nil {
		return nil, s.mapError(err)
	}
	if !res.OK {
		return nil, nil
	}
	s.metrics.acquire(ctx, s.name)
	return s.newPermit(), nil
}

func (s *Semaphore) acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	if err := s.checkLive(); err != nil {
		return nil, err
	}
	res, err := s.protocol.TryClaim(ctx, s.name, s.generation, s.maxCount)
	if err != nil {
		return nil, s.mapError(err)
	}
	if res.OK {
		s.metrics.acquire(ctx, s.name)
		s.logger.Debug("semaphore.acquire", "name", s.name, "free", res.FreeCount, "queued", false)
		return s.newPermit(), nil
	}

	// The timeout timer is armed before the waiter becomes visible so
	// that a settle path can never observe a queued waiter whose timer
	// does not exist yet.
	var timer <-chan time.Time
	if timeout > 0 {
		timer = s.clk.After(timeout)
	}
	w := newWaiter(s.clk.Now())
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	s.ensureWatcher()
	s.kick()
	s.logger.Debug("semaphore.acquire.queued", "name", s.name, "waiter", w.id, "timeout", timeout)

	select {
	case <-w.done:
	case <-timer:
		if w.settle(nil, ErrAcquireTimeout) {
			s.removeWaiter(w)
			s.metrics.timeout(ctx, s.name)
			s.logger.Debug("semaphore.acquire.timeout", "name", s.name, "waiter", w.id)
			return nil, ErrAcquireTimeout
		}
		<-w.done
	case <-ctx.Done():
		if w.settle(nil, ctx.Err()) {
			s.removeWaiter(w)
			return nil, ctx.Err()
		}
		<-w.done
	}
	if w.err != nil {
		return nil, w.err
	}
	s.metrics.acquire(ctx, s.name)
	s.metrics.waited(ctx, s.name, s.clk.Now().Sub(w.enqueuedAt))
	return w.permit, nil
}

// FreeCount reports how many permits are currently unclaimed in the
// shared record.
func (s *Semaphore) FreeCount(ctx context.Context) (int, error) {
	if err := s.checkLive(); err != nil {
		return 0, err
	}
	free, err := s.protocol.FreeCount(ctx, s.name, s.generation)
	if err != nil {
		return 0, s.mapError(err)
	}
	return free, nil
}

// IsLocked reports whether every permit is currently claimed.
func (s *Semaphore) IsLocked(ctx context.Context) (bool, error) {
	free, err := s.FreeCount(ctx)
	if err != nil {
		return false, err
	}
	return free == 0, nil
}

// CancelAll fails every acquire currently pending on this name, in this
// process and in every other process attached to the same record, with
// ErrCancelled. Held permits are unaffected and acquires issued after
// the sweep proceed normally.
func (s *Semaphore) CancelAll(ctx context.Context) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if err := s.protocol.CancelWaiters(ctx, s.name, s.generation); err != nil {
		return s.mapError(err)
	}
	s.settleAll(ErrCancelled)
	return nil
}

// Destroy tears the semaphore down everywhere: the shared record moves
// to a new generation, pending acquires in every process fail with
// ErrDestroyed, outstanding permits become inert, and further use of
// this handle returns ErrDestroyed. Destroying twice is a no-op.
func (s *Semaphore) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if _, err := s.protocol.Destroy(ctx, s.name, s.generation); err != nil && !errors.Is(err, permit.ErrGenerationMismatch) {
		return s.mapError(err)
	}
	s.markDestroyed()
	return nil
}

// Close detaches the handle without touching the shared record. Pending
// local acquires fail with ErrCancelled.
func (s *Semaphore) Close() error {
	s.stopWatcher()
	s.settleAll(ErrCancelled)
	return nil
}

func (s *Semaphore) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return nil
}

// kick nudges the watch loop to run a claim pass without waiting for a
// store event or the poll tick.
func (s *Semaphore) kick() {
	select {
	case s.watchKick <- struct{}{}:
	default:
	}
}

func (s *Semaphore) ensureWatcher() {
	s.watchOnce.Do(func() {
		go s.watch()
	})
}

func (s *Semaphore) stopWatcher() {
	s.stopOnce.Do(func() {
		close(s.watchStop)
	})
}

// watch is the handle's dispatcher: it claims permits on behalf of the
// queue head whenever a release event, a local kick, or the poll tick
// suggests capacity may be free, and fans cancel/destroy broadcasts out
// to the queue. Backends without a change feed degrade to pure polling.
func (s *Semaphore) watch() {
	var events <-chan storage.Event
	sub, err := s.store.Subscribe(s.name)
	switch {
	case err == nil:
		defer sub.Close()
		events = sub.Events()
	case errors.Is(err, storage.ErrNotImplemented):
		s.logger.Debug("semaphore.watch.poll_only", "name", s.name, "poll_interval", s.pollInterval)
	default:
		s.logger.Warn("semaphore.watch.subscribe_failed", "name", s.name, "error", err)
	}
	for {
		s.dispatch()
		select {
		case <-s.watchStop:
			return
		case <-s.watchKick:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Generation != s.generation {
				continue
			}
			s.metrics.wakeup(context.Background(), s.name)
			switch ev.Kind {
			case storage.EventCancelled:
				s.settleAll(ErrCancelled)
			case storage.EventDestroyed:
				s.markDestroyed()
			}
		case <-s.clk.After(s.pollInterval):
		}
	}
}

// dispatch claims permits for queued waiters in FIFO order until the
// record runs dry or the queue empties. A claim whose waiter settled
// while the store round trip was in flight is returned immediately.
func (s *Semaphore) dispatch() {
	for {
		s.mu.Lock()
		for len(s.waiters) > 0 && s.waiters[0].settled() {
			s.waiters = s.waiters[1:]
		}
		pending := len(s.waiters)
		s.mu.Unlock()
		if pending == 0 {
			return
		}
		res, err := s.protocol.TryClaim(context.Background(), s.name, s.generation, s.maxCount)
		if errors.Is(err, permit.ErrGenerationMismatch) {
			s.markDestroyed()
			return
		}
		if err != nil {
			s.logger.Warn("semaphore.dispatch.claim_failed", "name", s.name, "error", err)
			return
		}
		if !res.OK {
			return
		}
		p := s.newPermit()
		granted := false
		s.mu.Lock()
		for len(s.waiters) > 0 {
			head := s.waiters[0]
			s.waiters = s.waiters[1:]
			if head.settle(p, nil) {
				granted = true
				s.logger.Debug("semaphore.dispatch.granted", "name", s.name, "waiter", head.id, "free", res.FreeCount)
				break
			}
		}
		s.mu.Unlock()
		if !granted {
			// every queued waiter raced out; give the claim back
			if err := p.Release(context.Background()); err != nil {
				s.logger.Warn("semaphore.dispatch.release_failed", "name", s.name, "error", err)
			}
			return
		}
	}
}

// settleAll drains the local queue, failing each pending acquire with err.
func (s *Semaphore) settleAll(err error) {
	s.mu.Lock()
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range pending {
		w.settle(nil, err)
	}
	if len(pending) > 0 {
		s.logger.Debug("semaphore.waiters_settled", "name", s.name, "count", len(pending), "error", err)
	}
}

// markDestroyed flips the handle into its terminal state and fails every
// pending acquire with ErrDestroyed.
func (s *Semaphore) markDestroyed() {
	s.mu.Lock()
	already := s.destroyed
	s.destroyed = true
	pending := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range pending {
		w.settle(nil, ErrDestroyed)
	}
	if !already {
		s.stopWatcher()
		s.logger.Debug("semaphore.destroyed", "name", s.name, "generation", s.generation)
	}
}

func (s *Semaphore) removeWaiter(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.waiters {
		if have == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Semaphore) waiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

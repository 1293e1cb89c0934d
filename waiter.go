package dsema

import (
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// waiter is one pending acquire. It settles exactly once: either the
// dispatcher hands it a permit, or a timeout, context cancellation,
// CancelAll or Destroy settles it with an error. The CAS on state is the
// single-settlement guard; whichever path wins publishes the outcome and
// closes done, the loser observes the winner's result instead.
type waiter struct {
	id         string
	enqueuedAt time.Time
	state      uint32
	done       chan struct{}

	// written by the settling goroutine before close(done), read by the
	// acquirer after <-done.
	permit *Permit
	err    error
}

func newWaiter(now time.Time) *waiter {
	return &waiter{
		id:         xid.New().String(),
		enqueuedAt: now,
		done:       make(chan struct{}),
	}
}

// settle records the outcome and wakes the acquirer. Returns false if the
// waiter was already settled by another path.
func (w *waiter) settle(p *Permit, err error) bool {
	if !atomic.CompareAndSwapUint32(&w.state, 0, 1) {
		return false
	}
	w.permit = p
	w.err = err
	close(w.done)
	return true
}

func (w *waiter) settled() bool {
	return atomic.LoadUint32(&w.state) != 0
}

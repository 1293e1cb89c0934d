package dsema

import (
	"time"

	"pkt.systems/pslog"
)

// defaultPollInterval bounds how long a waiter can sit unserved when the
// backend has no change feed (or an event was coalesced away). Backends
// with a feed still poll at this cadence as a safety net.
const defaultPollInterval = time.Second

// Option adjusts a Semaphore at construction time.
type Option func(*Semaphore)

// WithLogger routes the semaphore's structured logs to logger instead of
// discarding them.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Semaphore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval overrides the fallback poll cadence used to re-check
// the shared record while waiters are queued. Intervals below 10ms are
// clamped.
func WithPollInterval(d time.Duration) Option {
	return func(s *Semaphore) {
		if d < 10*time.Millisecond {
			d = 10 * time.Millisecond
		}
		s.pollInterval = d
	}
}

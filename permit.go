package dsema

import (
	"context"
	"strconv"
	"sync/atomic"

	"pkt.systems/dsema/internal/uuidv7"
)

// Permit is proof of one successful acquisition. Release returns the
// permit to the shared record; it is idempotent, releasing twice is a
// no-op, and a permit issued before a Destroy no longer counts against
// the recreated semaphore.
type Permit struct {
	sem      *Semaphore
	token    string
	released uint32
}

func (s *Semaphore) newPermit() *Permit {
	return &Permit{
		sem:   s,
		token: s.name + "/" + strconv.FormatInt(s.generation, 10) + "/" + uuidv7.NewString(),
	}
}

// Token returns the permit's unique identity, which embeds the semaphore
// name and the generation it was issued under.
func (p *Permit) Token() string { return p.token }

// Release returns the permit to the shared record and wakes one waiter,
// locally and across processes. Calling Release more than once, or after
// the semaphore was destroyed, does nothing and returns nil. A failed
// release leaves the permit held so the caller can retry.
func (p *Permit) Release(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&p.released, 0, 1) {
		return nil
	}
	s := p.sem
	if err := s.protocol.Release(ctx, s.name, s.generation); err != nil {
		atomic.StoreUint32(&p.released, 0)
		return s.mapError(err)
	}
	s.metrics.release(ctx, s.name)
	s.kick()
	return nil
}

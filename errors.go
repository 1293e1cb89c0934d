package dsema

import (
	"errors"
	"fmt"

	"pkt.systems/dsema/internal/permit"
	"pkt.systems/dsema/storage"
)

var (
	// ErrAcquireTimeout is returned when an AcquireTimeout deadline
	// elapses before a permit becomes free.
	ErrAcquireTimeout = errors.New("dsema: acquire timed out before a permit became free")
	// ErrCancelled is returned to pending acquires swept by CancelAll
	// (issued locally or by another process).
	ErrCancelled = errors.New("dsema: pending acquire cancelled")
	// ErrDestroyed is returned by every operation on a semaphore whose
	// shared record has been destroyed.
	ErrDestroyed = errors.New("dsema: semaphore destroyed")
	// ErrStoreUnavailable wraps connectivity failures talking to the
	// shared store.
	ErrStoreUnavailable = errors.New("dsema: shared store unavailable")
)

// mapError normalizes protocol and storage failures into the package's
// sentinel errors.
func (s *Semaphore) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, permit.ErrGenerationMismatch):
		s.markDestroyed()
		return ErrDestroyed
	case storage.IsUnavailable(err):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		return err
	}
}

// Package permit drives the cross-process permit-record protocol: claim,
// bounded release, waiter cancellation and destroy, all expressed as CAS
// transactions against a storage.Backend. The bound check happens inside
// the transaction, so two processes can never both win the last permit and
// releases can never push the count past the ceiling.
package permit

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/dsema/storage"
)

// ErrGenerationMismatch indicates the record was destroyed (and possibly
// recreated) after the caller joined; the caller's generation is stale.
var ErrGenerationMismatch = errors.New("permit: generation mismatch")

// Protocol executes record operations against one backend.
type Protocol struct {
	store  storage.Backend
	logger pslog.Logger
}

// NewProtocol wires a protocol to its backend.
func NewProtocol(store storage.Backend, logger pslog.Logger) *Protocol {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Protocol{store: store, logger: logger}
}

// ClaimResult reports the outcome of one claim attempt.
type ClaimResult struct {
	OK        bool
	FreeCount int
}

// Ensure creates the record for name when absent, or revives a destroyed
// record at full capacity under its already-bumped generation. It returns
// the generation the caller operates under and the effective capacity
// (an existing live record's ceiling wins over maxCount, since capacity is
// fixed at first creation).
func (p *Protocol) Ensure(ctx context.Context, name string, maxCount int) (int64, int, error) {
	if maxCount < 1 {
		return 0, 0, fmt.Errorf("permit: maxCount must be positive, got %d", maxCount)
	}
	for {
		res, err := p.store.LoadRecord(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			rec := &storage.Record{MaxCount: maxCount, FreeCount: maxCount}
			if _, err := p.store.StoreRecord(ctx, name, rec, ""); err != nil {
				if errors.Is(err, storage.ErrCASMismatch) {
					continue // lost the creation race
				}
				return 0, 0, fmt.Errorf("create record: %w", err)
			}
			p.logger.Debug("permit.ensure.created", "name", name, "max_count", maxCount)
			return 0, maxCount, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("load record: %w", err)
		}
		rec := res.Record
		if !rec.Destroyed {
			return rec.Generation, rec.MaxCount, nil
		}
		revived := &storage.Record{
			MaxCount:   maxCount,
			FreeCount:  maxCount,
			Generation: rec.Generation,
		}
		if _, err := p.store.StoreRecord(ctx, name, revived, res.ETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return 0, 0, fmt.Errorf("revive record: %w", err)
		}
		p.logger.Debug("permit.ensure.revived", "name", name, "generation", rec.Generation, "max_count", maxCount)
		return rec.Generation, maxCount, nil
	}
}

// TryClaim atomically decrements freeCount when a permit is available.
// A missing record (store wiped out of band) is recreated at the caller's
// generation with one permit claimed. ErrGenerationMismatch means the
// record was destroyed under the caller.
func (p *Protocol) TryClaim(ctx context.Context, name string, generation int64, maxCount int) (ClaimResult, error) {
	for {
		res, err := p.store.LoadRecord(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			rec := &storage.Record{MaxCount: maxCount, FreeCount: maxCount - 1, Generation: generation}
			if _, err := p.store.StoreRecord(ctx, name, rec, ""); err != nil {
				if errors.Is(err, storage.ErrCASMismatch) {
					continue
				}
				return ClaimResult{}, fmt.Errorf("recreate record: %w", err)
			}
			return ClaimResult{OK: true, FreeCount: rec.FreeCount}, nil
		}
		if err != nil {
			return ClaimResult{}, fmt.Errorf("load record: %w", err)
		}
		rec := res.Record
		if rec.Destroyed || rec.Generation != generation {
			return ClaimResult{}, ErrGenerationMismatch
		}
		if rec.FreeCount <= 0 {
			return ClaimResult{OK: false}, nil
		}
		rec.FreeCount--
		if _, err := p.store.StoreRecord(ctx, name, rec, res.ETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue // lost the race, re-read and retry
			}
			return ClaimResult{}, fmt.Errorf("store record: %w", err)
		}
		return ClaimResult{OK: true, FreeCount: rec.FreeCount}, nil
	}
}

// Release returns one permit under generation and publishes a wake event.
// Stale generations, missing records and releases at the bound are all
// silent no-ops: release must stay idempotent under racy callers.
func (p *Protocol) Release(ctx context.Context, name string, generation int64) error {
	for {
		res, err := p.store.LoadRecord(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load record: %w", err)
		}
		rec := res.Record
		if rec.Destroyed || rec.Generation != generation {
			return nil
		}
		if rec.FreeCount >= rec.MaxCount {
			return nil
		}
		rec.FreeCount++
		if _, err := p.store.StoreRecord(ctx, name, rec, res.ETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return fmt.Errorf("store record: %w", err)
		}
		if err := p.store.Publish(ctx, name, storage.Event{Kind: storage.EventReleased, Generation: generation}); err != nil {
			p.logger.Warn("permit.release.publish_failed", "name", name, "error", err)
		}
		return nil
	}
}

// CancelWaiters broadcasts a cancellation to every waiter under
// generation. The record itself is untouched.
func (p *Protocol) CancelWaiters(ctx context.Context, name string, generation int64) error {
	if err := p.store.Publish(ctx, name, storage.Event{Kind: storage.EventCancelled, Generation: generation}); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	p.logger.Debug("permit.cancel_waiters", "name", name, "generation", generation)
	return nil
}

// Destroy bumps the generation, tombstones the record and broadcasts the
// destruction to waiters under the old generation. It reports whether this
// call performed the destruction; a record already destroyed or moved past
// the caller's generation makes Destroy a no-op.
func (p *Protocol) Destroy(ctx context.Context, name string, generation int64) (bool, error) {
	for {
		res, err := p.store.LoadRecord(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load record: %w", err)
		}
		rec := res.Record
		if rec.Destroyed || rec.Generation != generation {
			return false, nil
		}
		tomb := &storage.Record{Generation: rec.Generation + 1, Destroyed: true}
		if _, err := p.store.StoreRecord(ctx, name, tomb, res.ETag); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				continue
			}
			return false, fmt.Errorf("store tombstone: %w", err)
		}
		if err := p.store.Publish(ctx, name, storage.Event{Kind: storage.EventDestroyed, Generation: generation}); err != nil {
			p.logger.Warn("permit.destroy.publish_failed", "name", name, "error", err)
		}
		p.logger.Debug("permit.destroy", "name", name, "generation", generation)
		return true, nil
	}
}

// FreeCount reads the current number of free permits under generation.
func (p *Protocol) FreeCount(ctx context.Context, name string, generation int64) (int, error) {
	res, err := p.store.LoadRecord(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("load record: %w", err)
	}
	rec := res.Record
	if rec.Destroyed || rec.Generation != generation {
		return 0, ErrGenerationMismatch
	}
	return rec.FreeCount, nil
}

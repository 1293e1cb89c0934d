package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/dsema/storage"
)

func TestRecordLifecycle(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()

	if _, err := store.LoadRecord(ctx, "orders"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := &storage.Record{MaxCount: 2, FreeCount: 2}
	etag, err := store.StoreRecord(ctx, "orders", rec, "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	if _, err := store.StoreRecord(ctx, "orders", rec, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected create-only conflict, got %v", err)
	}

	loaded, err := store.LoadRecord(ctx, "orders")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if loaded.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, loaded.ETag)
	}
	if loaded.Record.MaxCount != 2 || loaded.Record.FreeCount != 2 {
		t.Fatalf("unexpected record %+v", loaded.Record)
	}

	loaded.Record.FreeCount = 1
	newETag, err := store.StoreRecord(ctx, "orders", loaded.Record, etag)
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if newETag == etag {
		t.Fatal("expected a fresh etag after update")
	}
	if _, err := store.StoreRecord(ctx, "orders", loaded.Record, etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected stale etag rejection, got %v", err)
	}

	if err := store.DeleteRecord(ctx, "orders", etag); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "orders", newETag); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if err := store.DeleteRecord(ctx, "orders", newETag); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestStoredRecordDoesNotAliasCaller(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	rec := &storage.Record{MaxCount: 1, FreeCount: 1}
	if _, err := store.StoreRecord(ctx, "alias", rec, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.FreeCount = 0
	loaded, err := store.LoadRecord(ctx, "alias")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Record.FreeCount != 1 {
		t.Fatal("stored record aliases the caller's struct")
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	sub, err := store.Subscribe("jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := store.Subscribe("jobs")
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}
	unrelated, err := store.Subscribe("other")
	if err != nil {
		t.Fatalf("subscribe unrelated: %v", err)
	}

	ev := storage.Event{Kind: storage.EventReleased, Generation: 3}
	if err := store.Publish(ctx, "jobs", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, s := range []storage.Subscription{sub, other} {
		select {
		case got := <-s.Events():
			if got.Kind != storage.EventReleased || got.Generation != 3 {
				t.Fatalf("unexpected event %+v", got)
			}
		default:
			t.Fatal("expected a buffered event")
		}
	}
	select {
	case <-unrelated.Events():
		t.Fatal("event leaked to an unrelated name")
	default:
	}
}

func TestCloseSubscriptionStopsDelivery(t *testing.T) {
	t.Parallel()

	store := New()
	ctx := context.Background()
	sub, err := store.Subscribe("jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if err := store.Publish(ctx, "jobs", storage.Event{Kind: storage.EventCancelled}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}

func TestStoreCloseDropsAllSubscriptions(t *testing.T) {
	t.Parallel()

	store := New()
	sub, err := store.Subscribe("a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected events channel closed by store shutdown")
	}
}

package dsema

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/dsema/storage/memory"
)

func TestMutexLockUnlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	mtx, err := NewMutex(ctx, store, "lock")
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	defer mtx.Close()

	p, err := mtx.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if again, err := mtx.TryLock(ctx); err != nil || again != nil {
		t.Fatalf("TryLock while held = %v, %v; want nil, nil", again, err)
	}
	if err := p.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := mtx.TryLock(ctx)
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	if again == nil {
		t.Fatalf("expected TryLock to succeed after unlock")
	}
	again.Release(ctx)
}

func TestRunExclusiveReleasesOnReturn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	mtx, err := NewMutex(ctx, store, "scoped")
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	defer mtx.Close()

	ran := false
	if err := mtx.RunExclusive(ctx, func(ctx context.Context) error {
		ran = true
		locked, err := mtx.IsLocked(ctx)
		if err != nil {
			return err
		}
		if !locked {
			t.Errorf("expected mutex held inside RunExclusive")
		}
		return nil
	}); err != nil {
		t.Fatalf("RunExclusive: %v", err)
	}
	if !ran {
		t.Fatalf("fn did not run")
	}
	locked, err := mtx.IsLocked(ctx)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatalf("mutex still held after RunExclusive returned")
	}
}

func TestRunExclusiveReleasesOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	mtx, err := NewMutex(ctx, store, "scoped-err")
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	defer mtx.Close()

	boom := errors.New("boom")
	if err := mtx.RunExclusive(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("RunExclusive = %v, want the fn's error", err)
	}
	locked, err := mtx.IsLocked(ctx)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatalf("mutex still held after fn returned an error")
	}
}

func TestRunExclusiveReleasesOnPanic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	mtx, err := NewMutex(ctx, store, "scoped-panic")
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	defer mtx.Close()

	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("expected panic to propagate")
			}
		}()
		mtx.RunExclusive(ctx, func(context.Context) error { panic("boom") })
	}()
	locked, err := mtx.IsLocked(ctx)
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatalf("mutex still held after fn panicked")
	}
}

func TestRunExclusiveSerializes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	mtx, err := NewMutex(ctx, store, "serialize")
	if err != nil {
		t.Fatalf("NewMutex: %v", err)
	}
	defer mtx.Close()

	var inside int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mtx.RunExclusive(ctx, func(context.Context) error {
				inside++
				if inside != 1 {
					t.Errorf("critical section entered concurrently")
				}
				time.Sleep(5 * time.Millisecond)
				inside--
				return nil
			})
			if err != nil {
				t.Errorf("RunExclusive: %v", err)
			}
		}()
	}
	wg.Wait()
}

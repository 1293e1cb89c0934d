package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/dsema/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "dsema-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestRecordLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.LoadRecord(ctx, "orders"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	etag, err := store.StoreRecord(ctx, "orders", &storage.Record{MaxCount: 2, FreeCount: 2}, "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	loaded, err := store.LoadRecord(ctx, "orders")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if loaded.Record.MaxCount != 2 || loaded.Record.FreeCount != 2 {
		t.Fatalf("unexpected record %+v", loaded.Record)
	}
	if loaded.ETag != etag {
		t.Fatalf("expected etag %q, got %q", etag, loaded.ETag)
	}

	loaded.Record.FreeCount = 1
	newETag, err := store.StoreRecord(ctx, "orders", loaded.Record, loaded.ETag)
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if _, err := store.StoreRecord(ctx, "orders", loaded.Record, "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}

	if err := store.DeleteRecord(ctx, "orders", "wrong"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "orders", newETag); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if err := store.DeleteRecord(ctx, "orders", newETag); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSubscribeUnsupported(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Subscribe("orders"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if err := store.Publish(context.Background(), "orders", storage.Event{Kind: storage.EventReleased}); err != nil {
		t.Fatalf("publish must be a no-op, got %v", err)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isRetryable(tc.err); got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksUnavailable(t *testing.T) {
	store := &Store{}
	err := store.wrapError(syscall.ECONNREFUSED, "s3: put record")
	if !storage.IsUnavailable(err) {
		t.Fatalf("expected unavailable marker, got %v", err)
	}
	plain := store.wrapError(errors.New("boom"), "s3: put record")
	if storage.IsUnavailable(plain) {
		t.Fatalf("plain errors must not be marked unavailable: %v", plain)
	}
}

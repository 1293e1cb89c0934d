// Package s3 implements storage.Backend on S3-compatible object storage
// via conditional writes (If-Match / If-None-Match). Object stores expose
// no change feed here, so Subscribe reports ErrNotImplemented and callers
// fall back to polling; Publish is a no-op for the same reason.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/dsema/storage"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs an S3 store from cfg.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3: endpoint required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
		})
	}
	opts := &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		Transport:    cfg.Transport,
		BucketLookup: minio.BucketLookupAuto,
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client, cfg: cfg}, nil
}

// Client exposes the underlying minio client for readiness checks.
func (s *Store) Client() *minio.Client { return s.client }

// Config returns the configuration the store was built with.
func (s *Store) Config() Config { return s.cfg }

// Close satisfies storage.Backend; the minio client holds no resources
// that need explicit teardown.
func (s *Store) Close() error { return nil }

func (s *Store) recordObject(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("s3: semaphore name required")
	}
	object := path.Join("records", url.PathEscape(name)+".json")
	if s.cfg.Prefix != "" {
		object = path.Join(strings.Trim(s.cfg.Prefix, "/"), object)
	}
	return object, nil
}

// LoadRecord fetches the record object and its ETag.
func (s *Store) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	object, err := s.recordObject(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.LoadResult{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: read record")
	}
	stat, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		return storage.LoadResult{}, s.wrapError(err, "s3: stat record")
	}
	rec := &storage.Record{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return storage.LoadResult{}, fmt.Errorf("s3: decode record %q: %w", object, err)
	}
	return storage.LoadResult{Record: rec, ETag: stripETag(stat.ETag)}, nil
}

// StoreRecord uploads the record JSON, applying conditional-put semantics
// via expectedETag.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("s3: record required")
	}
	object, err := s.recordObject(name)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("s3: marshal record: %w", err)
	}
	options := minio.PutObjectOptions{ContentType: "application/json"}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return "", storage.ErrNotFound
		}
		return "", s.wrapError(err, "s3: put record")
	}
	return stripETag(info.ETag), nil
}

// DeleteRecord removes the record object, enforcing CAS when expectedETag
// is supplied.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	object, err := s.recordObject(name)
	if err != nil {
		return err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove record")
	}
	return nil
}

// Publish is a no-op: object stores carry no notification channel, so
// remote waiters poll the record instead.
func (s *Store) Publish(context.Context, string, storage.Event) error {
	return nil
}

// Subscribe reports that this backend has no change feed.
func (s *Store) Subscribe(string) (storage.Subscription, error) {
	return nil, storage.ErrNotImplemented
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewUnavailableError(err)
	}
	return err
}

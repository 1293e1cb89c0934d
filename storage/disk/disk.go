// Package disk implements storage.Backend on a filesystem shared between
// processes (local disk or a shared mount). Records live in one JSON file
// per name written via temp-file+rename; CAS is serialized with an
// advisory file lock. Wake events are spooled as files under an events
// directory so other processes can pick them up through fsnotify.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pkt.systems/dsema/internal/uuidv7"
	"pkt.systems/dsema/storage"
)

// Config controls the disk store behaviour.
type Config struct {
	// Root is the directory holding records and event spools.
	Root string
	// Watch enables fsnotify change notifications. Disable on filesystems
	// without inotify support (NFS); subscribers then poll.
	Watch bool
	// EventHistory caps the number of event files kept per name.
	EventHistory int
}

const defaultEventHistory = 64

// Store implements storage.Backend on a directory tree.
type Store struct {
	root         string
	watch        bool
	eventHistory int
}

type recordEnvelope struct {
	ETag   string          `json:"etag"`
	Record *storage.Record `json:"record"`
}

type eventEnvelope struct {
	ID         string            `json:"id"`
	Kind       storage.EventKind `json:"kind"`
	Generation int64             `json:"generation"`
}

// New prepares the directory layout and returns a ready store.
func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	root = filepath.Clean(root)
	for _, dir := range []string{root, filepath.Join(root, "records"), filepath.Join(root, "events")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %q: %w", dir, err)
		}
	}
	history := cfg.EventHistory
	if history <= 0 {
		history = defaultEventHistory
	}
	return &Store{root: root, watch: cfg.Watch, eventHistory: history}, nil
}

// Close satisfies storage.Backend; subscriptions own their watchers.
func (s *Store) Close() error { return nil }

func encodeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("disk: semaphore name required")
	}
	return url.PathEscape(name), nil
}

func (s *Store) recordPath(name string) (string, error) {
	encoded, err := encodeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, "records", encoded+".json"), nil
}

func (s *Store) lockPath(name string) (string, error) {
	encoded, err := encodeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, "records", encoded+".lock"), nil
}

func (s *Store) eventDir(name string) (string, error) {
	encoded, err := encodeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, "events", encoded), nil
}

// LoadRecord reads the record file for name. Rename-based writes keep
// reads consistent without holding the lock.
func (s *Store) LoadRecord(_ context.Context, name string) (storage.LoadResult, error) {
	path, err := s.recordPath(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	env, err := readEnvelope(path)
	if err != nil {
		return storage.LoadResult{}, err
	}
	return storage.LoadResult{Record: env.Record, ETag: env.ETag}, nil
}

// StoreRecord writes the record under CAS, serialized by an advisory lock
// so concurrent writers on the same filesystem cannot interleave the
// read-check-write.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("disk: record required")
	}
	path, err := s.recordPath(name)
	if err != nil {
		return "", err
	}
	unlock, err := s.acquireLock(name)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := readEnvelope(path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if expectedETag != "" {
			return "", storage.ErrNotFound
		}
	case err != nil:
		return "", err
	default:
		if expectedETag == "" {
			return "", storage.ErrCASMismatch
		}
		if current.ETag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	}

	clone := rec.Clone()
	clone.UpdatedAtUnix = time.Now().Unix()
	env := recordEnvelope{ETag: uuidv7.NewString(), Record: clone}
	if err := writeEnvelope(path, env); err != nil {
		return "", err
	}
	return env.ETag, nil
}

// DeleteRecord removes the record file, enforcing CAS when expectedETag is set.
func (s *Store) DeleteRecord(_ context.Context, name string, expectedETag string) error {
	path, err := s.recordPath(name)
	if err != nil {
		return err
	}
	unlock, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := readEnvelope(path)
	if err != nil {
		return err
	}
	if expectedETag != "" && current.ETag != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove record: %w", err)
	}
	return nil
}

// Publish spools one event file and prunes old history. Subscribers in any
// process observe the new file through fsnotify (or their own polling).
func (s *Store) Publish(_ context.Context, name string, ev storage.Event) error {
	dir, err := s.eventDir(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: prepare event directory %q: %w", dir, err)
	}
	env := eventEnvelope{
		// uuidv7 ids sort by creation time, which keeps the spool ordered
		// and makes pruning a matter of dropping the lexicographic head.
		ID:         uuidv7.NewString(),
		Kind:       ev.Kind,
		Generation: ev.Generation,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: marshal event: %w", err)
	}
	tmp := filepath.Join(dir, "."+env.ID+".tmp")
	final := filepath.Join(dir, env.ID+".json")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("disk: write event: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("disk: publish event: %w", err)
	}
	s.pruneEvents(dir)
	return nil
}

func (s *Store) pruneEvents(dir string) {
	ids, err := listEventIDs(dir)
	if err != nil || len(ids) <= s.eventHistory {
		return
	}
	for _, id := range ids[:len(ids)-s.eventHistory] {
		os.Remove(filepath.Join(dir, id+".json"))
	}
}

func listEventIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		fname := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(fname, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(fname, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func readEventEnvelope(dir, id string) (eventEnvelope, error) {
	var env eventEnvelope
	payload, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("disk: decode event %q: %w", id, err)
	}
	return env, nil
}

func (s *Store) acquireLock(name string) (func(), error) {
	path, err := s.lockPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock %q: %w", path, err)
	}
	return func() {
		unlockFile(f)
		f.Close()
	}, nil
}

func readEnvelope(path string) (recordEnvelope, error) {
	var env recordEnvelope
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return env, storage.ErrNotFound
		}
		return env, fmt.Errorf("disk: read record: %w", err)
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("disk: decode record %q: %w", path, err)
	}
	if env.Record == nil || env.ETag == "" {
		return env, fmt.Errorf("disk: corrupt record %q", path)
	}
	return env, nil
}

func writeEnvelope(path string, env recordEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("disk: marshal record: %w", err)
	}
	tmp := path + "." + env.ETag + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("disk: write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("disk: replace record: %w", err)
	}
	return nil
}

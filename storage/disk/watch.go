package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/dsema/storage"
)

// Subscribe registers a filesystem watcher on the event spool for name.
// Each new event file wakes the subscription, which reads the spooled
// events it has not delivered yet.
func (s *Store) Subscribe(name string) (storage.Subscription, error) {
	if !s.watch {
		return nil, storage.ErrNotImplemented
	}
	dir, err := s.eventDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare event directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create event watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch event directory %q: %w", dir, err)
	}
	sub := &watchSubscription{
		dir:     dir,
		watcher: watcher,
		events:  make(chan storage.Event, 8),
		stop:    make(chan struct{}),
	}
	// Events spooled before the watcher attached are already history; only
	// deliveries after subscription matter, so start the cursor at the tail.
	if ids, err := listEventIDs(dir); err == nil && len(ids) > 0 {
		sub.lastID = ids[len(ids)-1]
	}
	go sub.run()
	return sub, nil
}

type watchSubscription struct {
	dir     string
	watcher *fsnotify.Watcher
	events  chan storage.Event
	stop    chan struct{}
	once    sync.Once
	lastID  string
}

func (w *watchSubscription) Events() <-chan storage.Event {
	return w.events
}

func (w *watchSubscription) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	return nil
}

func (w *watchSubscription) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.deliverNew()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.deliverNew()
		}
	}
}

// deliverNew reads spooled events past the cursor and forwards them.
func (w *watchSubscription) deliverNew() {
	ids, err := listEventIDs(w.dir)
	if err != nil {
		return
	}
	for _, id := range ids {
		if id <= w.lastID {
			continue
		}
		w.lastID = id
		env, err := readEventEnvelope(w.dir, id)
		if err != nil {
			continue
		}
		ev := storage.Event{Kind: env.Kind, Generation: env.Generation}
		select {
		case w.events <- ev:
		case <-w.stop:
			return
		}
	}
}

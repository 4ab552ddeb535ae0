// Package watch provides an optional, independent filesystem event source
// for the tracker: it watches the store's top directory for external
// tampering with main.sqlite (a second instance, an operator mistake) and
// only ever logs. Per SPEC_FULL.md §11, its events are folded into the
// dispatcher's select loop as a side channel that can never reorder or
// pre-empt upcall processing.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// dbFileName matches store.dbFileName; duplicated here rather than
// importing internal/store, since the watcher has no reason to depend on
// the store's implementation, only on the file name convention.
const dbFileName = "main.sqlite"

// Watcher observes dir for changes to its database file.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan fsnotify.Event
	stop    chan struct{}
	once    sync.Once
}

// New starts watching dir. The caller owns the returned Watcher and must
// call Close when done.
func New(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch: watch directory %q: %w", dir, err)
	}

	w := &Watcher{
		watcher: fw,
		events:  make(chan fsnotify.Event, 1),
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events yields events concerning the database file. Callers should select
// on this channel without blocking indefinitely; it is buffered shallow so
// a slow consumer only ever sees "something changed", never a backlog.
func (w *Watcher) Events() <-chan fsnotify.Event {
	return w.events
}

// Close stops the watcher and releases its resources.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	return nil
}

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != dbFileName {
				continue
			}
			// Only removal or replacement of the file is reported; plain
			// writes are what this process's own commits produce.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			w.signal(ev)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) signal(ev fsnotify.Event) {
	select {
	case w.events <- ev:
	default:
		// A previous event is still unread; dropping this one is fine,
		// the watcher is advisory only.
	}
}

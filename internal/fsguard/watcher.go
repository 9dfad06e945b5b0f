package fsguard

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const quiescenceWindow = 150 * time.Millisecond

// ChangeEvent is one coalesced filesystem change.
type ChangeEvent struct {
	Kind    string `json:"kind"` // add, addDir, change, unlink, unlinkDir
	RelPath string `json:"relPath"`
}

// Batch is a group of events flushed together after one quiescence window.
type Batch []ChangeEvent

// watcher owns one fsnotify.Watcher rooted at a sandbox root, fans its
// debounced batches out to every subscriber, and is reference-counted so
// concurrent sessions on the same root share a single fsnotify instance.
type watcher struct {
	root string
	fsw  *fsnotify.Watcher
	stop chan struct{}

	mu          sync.Mutex
	refs        int
	subscribers map[int]chan Batch
	nextSub     int
	pending     []ChangeEvent
	flushTimer  *time.Timer
}

// WatcherSet refcounts watchers by root so sibling sessions on the same
// directory share one fsnotify.Watcher.
type WatcherSet struct {
	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewWatcherSet returns an empty, ready-to-use WatcherSet.
func NewWatcherSet() *WatcherSet {
	return &WatcherSet{watchers: make(map[string]*watcher)}
}

// Subscription is returned by Subscribe; call Close to unsubscribe and
// release the watcher when the last subscriber leaves.
type Subscription struct {
	set   *WatcherSet
	root  string
	w     *watcher
	subID int
	ch    chan Batch
}

// Batches returns the channel of coalesced change batches for this subscription.
func (s *Subscription) Batches() <-chan Batch { return s.ch }

// Close unsubscribes, decrementing the watcher's refcount and tearing it
// down once it reaches zero.
func (s *Subscription) Close() {
	s.set.unsubscribe(s.root, s.w, s.subID)
}

// Subscribe returns a Subscription delivering change batches under root,
// creating the underlying fsnotify watcher on first subscriber and
// incrementing its refcount otherwise.
func (ws *WatcherSet) Subscribe(root string) (*Subscription, error) {
	ws.mu.Lock()
	w, ok := ws.watchers[root]
	if !ok {
		var err error
		w, err = newWatcher(root)
		if err != nil {
			ws.mu.Unlock()
			return nil, err
		}
		ws.watchers[root] = w
	}
	w.mu.Lock()
	w.refs++
	id := w.nextSub
	w.nextSub++
	ch := make(chan Batch, 8)
	w.subscribers[id] = ch
	w.mu.Unlock()
	ws.mu.Unlock()

	return &Subscription{set: ws, root: root, w: w, subID: id, ch: ch}, nil
}

func (ws *WatcherSet) unsubscribe(root string, w *watcher, subID int) {
	w.mu.Lock()
	ch, ok := w.subscribers[subID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.subscribers, subID)
	close(ch)
	w.refs--
	remaining := w.refs
	w.mu.Unlock()

	if remaining > 0 {
		return
	}

	ws.mu.Lock()
	if ws.watchers[root] == w {
		delete(ws.watchers, root)
	}
	ws.mu.Unlock()
	w.close()
}

func newWatcher(root string) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		root:        root,
		fsw:         fsw,
		stop:        make(chan struct{}),
		subscribers: make(map[int]chan Batch),
	}

	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		if d.IsDir() {
			if isExcluded(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := fsw.Add(path); addErr != nil {
				log.Printf("[fsguard-watcher] failed to watch %s: %v", path, addErr)
			}
		}
		return nil
	})

	go w.loop()
	return w, nil
}

func (w *watcher) close() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	w.fsw.Close()
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[fsguard-watcher] error: %v", err)
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if isExcluded(base) {
		return
	}

	info, statErr := os.Lstat(event.Name)
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}

	isDir := statErr == nil && info.IsDir()
	if event.Has(fsnotify.Create) && isDir {
		if err := w.fsw.Add(event.Name); err != nil {
			log.Printf("[fsguard-watcher] failed to watch new dir %s: %v", event.Name, err)
		}
	}

	relPath := relOf(w.root, event.Name)

	var kind string
	switch {
	case event.Has(fsnotify.Create) && isDir:
		kind = "addDir"
	case event.Has(fsnotify.Create):
		kind = "add"
	case event.Has(fsnotify.Write):
		kind = "change"
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if wasDirHint(relPath) {
			kind = "unlinkDir"
		} else {
			kind = "unlink"
		}
	default:
		return
	}

	w.enqueue(ChangeEvent{Kind: kind, RelPath: relPath})
}

// wasDirHint has no reliable way to know post-removal whether the deleted
// path was a directory; fsnotify never tells us, so unlink is the safe
// default and subscribers that care can re-list.
func wasDirHint(string) bool { return false }

func (w *watcher) enqueue(ev ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, ev)
	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	w.flushTimer = time.AfterFunc(quiescenceWindow, w.flush)
}

// flush delivers under the mutex so a send can never race a channel close
// in unsubscribe; deliveries are non-blocking, so the lock is never held on
// a full subscriber.
func (w *watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := w.pending
	w.pending = nil
	w.flushTimer = nil
	if len(batch) == 0 {
		return
	}
	for _, ch := range w.subscribers {
		select {
		case ch <- batch:
		default:
			log.Printf("[fsguard-watcher] subscriber channel full, dropping batch of %d events", len(batch))
		}
	}
}

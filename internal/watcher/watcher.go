// Package watcher monitors deployment directories and folds external edits
// back into the store.
package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillsyncd/internal/fswalk"
)

// Op is the kind of a raw filesystem event.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpWrite
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// RawEvent is one filesystem notification as queued for the consumer loop.
type RawEvent struct {
	Path string
	Op   Op
	Time time.Time
}

// EventHandler turns a raw event into a store change. A nil notification
// with a nil error means the event was ignored.
type EventHandler interface {
	Handle(ev RawEvent) (*Notification, error)
}

// Options configures a Watcher.
type Options struct {
	// QueueSize bounds the raw event queue. The fsnotify pump blocks when it
	// is full.
	QueueSize int
	// PollTimeout is how often the consumer loop wakes when idle.
	PollTimeout time.Duration
	// SuppressGrace keeps a path suppressed after its release so trailing
	// events from our own writes are dropped.
	SuppressGrace time.Duration
	// NotifyBuffer sizes the Notifications channel.
	NotifyBuffer int
	Walk         fswalk.Options
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 500 * time.Millisecond
	}
	if o.SuppressGrace <= 0 {
		o.SuppressGrace = time.Second
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type suppression struct {
	active int
	until  time.Time
}

// Watcher monitors deployment roots recursively.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   EventHandler
	opts      Options
	logger    *slog.Logger

	queue         chan RawEvent
	notifications chan Notification

	mu         sync.Mutex
	roots      map[string]bool
	parents    map[string]int
	suppressed map[string]*suppression
	started    bool

	// Control
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher that feeds events to h.
func New(h EventHandler, opts Options) (*Watcher, error) {
	opts.setDefaults()
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsWatcher:     fsWatcher,
		handler:       h,
		opts:          opts,
		logger:        opts.Logger.With("component", "watcher"),
		queue:         make(chan RawEvent, opts.QueueSize),
		notifications: make(chan Notification, opts.NotifyBuffer),
		roots:         make(map[string]bool),
		parents:       make(map[string]int),
		suppressed:    make(map[string]*suppression),
		done:          make(chan struct{}),
	}, nil
}

// Notifications returns handled changes. The channel is closed by Stop.
// When nobody drains it, notifications are dropped rather than stalling the
// consumer loop.
func (w *Watcher) Notifications() <-chan Notification {
	return w.notifications
}

// Start watches paths and starts the event loops. A root that does not exist
// yet is remembered and picked up when something is re-exported there.
func (w *Watcher) Start(paths []string) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.consumeLoop()

	w.logger.Info("watcher started", "roots", len(paths))
	return nil
}

// Add starts watching a root and every directory below it. The root's
// parent is watched too, without recursion, so a root that is deleted and
// recreated (by this process or any other) is picked up again. Adding a
// root twice re-adds its watches.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	known := w.roots[abs]
	w.roots[abs] = true
	parent := filepath.Dir(abs)
	first := false
	if !known {
		w.parents[parent]++
		first = w.parents[parent] == 1
	}
	w.mu.Unlock()

	if first {
		if err := w.fsWatcher.Add(parent); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Debug("could not watch parent directory", "path", parent, "error", err)
		}
	}
	if err := w.addTree(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Remove stops watching a root and its subdirectories.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if !w.roots[abs] {
		w.mu.Unlock()
		return nil
	}
	delete(w.roots, abs)
	parent := filepath.Dir(abs)
	w.parents[parent]--
	dropParent := w.parents[parent] <= 0 && !w.underRoot(parent)
	if w.parents[parent] <= 0 {
		delete(w.parents, parent)
	}
	w.mu.Unlock()

	for _, p := range w.fsWatcher.WatchList() {
		if within(p, abs) || (dropParent && p == parent) {
			if err := w.fsWatcher.Remove(p); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
				w.logger.Debug("remove watch", "path", p, "error", err)
			}
		}
	}
	return nil
}

// SetRoots makes paths the exact set of watched roots. Roots already
// watched have their watches re-added, which heals watches lost when a root
// was replaced.
func (w *Watcher) SetRoots(paths []string) (added, removed int, err error) {
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, aerr := filepath.Abs(p)
		if aerr != nil {
			return added, removed, aerr
		}
		want[abs] = true
	}

	for _, r := range w.Roots() {
		if !want[r] {
			if rerr := w.Remove(r); rerr != nil {
				return added, removed, rerr
			}
			removed++
		}
	}
	for p := range want {
		w.mu.Lock()
		known := w.roots[p]
		w.mu.Unlock()
		if aerr := w.Add(p); aerr != nil {
			w.logger.Warn("could not watch deployment", "path", p, "error", aerr)
			continue
		}
		if !known {
			added++
		}
	}
	return added, removed, nil
}

// tracked reports whether path is a root or lies below one.
func (w *Watcher) tracked(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.underRoot(path)
}

// Roots returns the watched roots, sorted.
func (w *Watcher) Roots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.roots))
	for r := range w.roots {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Stop shuts the watcher down and closes Notifications. It is safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
		close(w.notifications)
		w.logger.Info("watcher stopped")
	})
	return err
}

// Suppress drops events under path until the returned func is called and
// the grace period has passed. Calls nest. Releasing a path that lies in a
// watched root re-adds its watches, since the rewrite removed them.
func (w *Watcher) Suppress(path string) (release func()) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}

	w.mu.Lock()
	s, ok := w.suppressed[abs]
	if !ok {
		s = &suppression{}
		w.suppressed[abs] = s
	}
	s.active++
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			s.active--
			s.until = time.Now().Add(w.opts.SuppressGrace)
			rewatch := w.underRoot(abs)
			w.mu.Unlock()

			if rewatch {
				if err := w.addTree(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
					w.logger.Warn("could not re-watch directory", "path", abs, "error", err)
				}
			}
		})
	}
}

// isSuppressed reports whether path falls under an active or graced
// suppression. Caller must not hold mu.
func (w *Watcher) isSuppressed(path string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, s := range w.suppressed {
		if (s.active > 0 || now.Before(s.until)) && within(path, p) {
			return true
		}
	}
	return false
}

func (w *Watcher) pruneSuppressions(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, s := range w.suppressed {
		if s.active == 0 && !now.Before(s.until) {
			delete(w.suppressed, p)
		}
	}
}

// underRoot must be called with mu held.
func (w *Watcher) underRoot(path string) bool {
	for r := range w.roots {
		if within(path, r) {
			return true
		}
	}
	return false
}

// addTree watches dir and its subdirectories, skipping dot-directories and
// excluded ones.
func (w *Watcher) addTree(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			w.logger.Debug("skip unreadable directory", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir {
			rel, _ := filepath.Rel(dir, p)
			rel = filepath.ToSlash(rel)
			if fswalk.Hidden(rel) || fswalk.Excluded(w.opts.Walk.Exclude, rel) {
				return filepath.SkipDir
			}
		}
		if err := w.fsWatcher.Add(p); err != nil {
			return err
		}
		return nil
	})
}

// eventLoop pumps fsnotify events into the bounded queue.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// Parent watches also report siblings of the roots.
			if !w.tracked(event.Name) {
				continue
			}

			var op Op
			switch {
			case event.Has(fsnotify.Create):
				op = OpCreate
				// New subdirectories, and roots moved back into place, are
				// watched before their contents are handled so later writes
				// inside them are seen.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Debug("could not watch new directory", "path", event.Name, "error", err)
					}
				}
			case event.Has(fsnotify.Write):
				op = OpWrite
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				op = OpRemove
			default:
				continue
			}

			select {
			case w.queue <- RawEvent{Path: event.Name, Op: op, Time: time.Now()}:
			case <-w.done:
				return
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// consumeLoop handles queued events one at a time. Handling is synchronous
// and not debounced.
func (w *Watcher) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.PollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case ev := <-w.queue:
			w.dispatch(ev)

		case now := <-ticker.C:
			w.pruneSuppressions(now)
		}
	}
}

func (w *Watcher) dispatch(ev RawEvent) {
	if w.isSuppressed(ev.Path, time.Now()) {
		w.logger.Debug("suppressed event", "path", ev.Path, "op", ev.Op)
		return
	}

	n, err := w.handler.Handle(ev)
	if err != nil {
		w.logger.Warn("could not apply external change", "path", ev.Path, "op", ev.Op, "error", err)
		return
	}
	if n == nil {
		return
	}

	select {
	case w.notifications <- *n:
	default:
		w.logger.Warn("notification dropped", "path", n.Path, "skill", n.SkillName)
	}
}

// within reports whether path is root or lies below it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

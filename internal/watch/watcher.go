// Package watch normalizes the two origins of filesystem observations into
// model.FileEvent values: a push source backed by fsnotify and a poll source
// that lists the directory on demand. The push source coalesces bursts per
// path (one write raises Create then Write) but the two sources are not
// deduplicated against each other; the same file may be reported by both
// within one cycle.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashita-ai/dirwatcher/internal/model"
)

const (
	// DefaultBufferSize is the capacity of the Events channel when none is configured.
	DefaultBufferSize = 256
	// DefaultDebounce is the quiet window after which a path's coalesced
	// event is emitted.
	DefaultDebounce = 100 * time.Millisecond
)

var (
	// ErrWatcherClosed is returned by Watch after Close.
	ErrWatcherClosed = errors.New("watch: watcher closed")
	// ErrNotDirectory is returned by Watch when the path is not a directory.
	ErrNotDirectory = errors.New("watch: not a directory")
)

// Watcher is the push source. It watches one directory at a time
// (non-recursively) and emits added, changed and removed events on a
// channel that stays the same across re-targets.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	// pending and seq are owned by processLoop.
	pending map[string]*pendingEvent
	seq     uint64
	ready   chan readyKey

	mu     sync.Mutex
	dir    string // absolute; empty when not watching
	closed bool

	events  chan model.FileEvent
	errors  chan error
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// pendingEvent is a push event waiting out its quiet window.
type pendingEvent struct {
	event model.FileEvent
	timer *time.Timer
	seq   uint64
}

// readyKey identifies the timer generation that fired for a path. A stale
// generation (the path saw another event since) is ignored.
type readyKey struct {
	path string
	seq  uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the per-path quiet window. Zero or less emits every
// fsnotify event as it arrives.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// NewWatcher creates an idle push source. Call Watch to point it at a directory.
func NewWatcher(logger *slog.Logger, bufferSize int, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		debounce: DefaultDebounce,
		pending:  make(map[string]*pendingEvent),
		ready:    make(chan readyKey, bufferSize),
		events:   make(chan model.FileEvent, bufferSize),
		errors:   make(chan error, 16),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.processLoop()
	return w, nil
}

// Watch starts watching dir, replacing any previously watched directory.
// Watching the directory already being watched is a no-op.
func (w *Watcher) Watch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch: resolve %s: %w", dir, err)
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("watch: stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.dir == abs {
		return nil
	}
	if w.dir != "" {
		if err := w.fsw.Remove(w.dir); err != nil {
			w.logger.Debug("watch: remove previous directory", "dir", w.dir, "error", err)
		}
		w.dir = ""
	}
	if err := w.fsw.Add(abs); err != nil {
		return fmt.Errorf("watch: add %s: %w", abs, err)
	}
	w.dir = abs
	w.logger.Info("watch: monitoring directory", "dir", abs)
	return nil
}

// Unwatch stops watching the current directory, if any.
func (w *Watcher) Unwatch() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.dir == "" {
		return nil
	}
	dir := w.dir
	w.dir = ""
	if err := w.fsw.Remove(dir); err != nil {
		return fmt.Errorf("watch: remove %s: %w", dir, err)
	}
	return nil
}

// Dir returns the absolute directory being watched, or "" when idle.
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Events returns the event channel. It is closed by Close.
func (w *Watcher) Events() <-chan model.FileEvent {
	return w.events
}

// Errors returns watcher errors. It is closed by Close.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and closes its channels. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.dir = ""
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return err
}

func (w *Watcher) processLoop() {
	defer w.wg.Done()
	defer func() {
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
	}()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			ev, ok := w.convert(fsEvent)
			if !ok {
				continue
			}
			if w.debounce <= 0 {
				w.send(ev)
				continue
			}
			w.schedule(ev)

		case r := <-w.ready:
			w.fire(r)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: watcher error", "error", err)
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// convert maps an fsnotify event onto a FileEvent. Events for other
// directories (left over from a re-target), hidden entries, subdirectories
// and chmod-only changes are dropped.
func (w *Watcher) convert(fsEvent fsnotify.Event) (model.FileEvent, bool) {
	if fsEvent.Name == "" {
		return model.FileEvent{}, false
	}
	path := filepath.Clean(fsEvent.Name)

	if !w.inWatchedDir(path) {
		return model.FileEvent{}, false
	}

	name := filepath.Base(path)
	if isHidden(name) {
		return model.FileEvent{}, false
	}

	var kind model.FileEventKind
	switch {
	case fsEvent.Has(fsnotify.Remove), fsEvent.Has(fsnotify.Rename):
		kind = model.FileRemoved
	case fsEvent.Has(fsnotify.Create):
		kind = model.FileAdded
	case fsEvent.Has(fsnotify.Write):
		kind = model.FileChanged
	default:
		return model.FileEvent{}, false
	}

	if kind != model.FileRemoved {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return model.FileEvent{}, false
		}
	}

	return model.FileEvent{
		Kind:       kind,
		Path:       path,
		Name:       name,
		Source:     model.SourcePush,
		ObservedAt: time.Now().UTC(),
	}, true
}

// schedule holds ev until its path has been quiet for the debounce window.
// An add absorbs later changes to the same path. A removal never merges with
// an add or change: the held event is emitted first so both reach the
// consumer in order.
func (w *Watcher) schedule(ev model.FileEvent) {
	p, ok := w.pending[ev.Path]
	if ok && (p.event.Kind == model.FileRemoved) != (ev.Kind == model.FileRemoved) {
		p.timer.Stop()
		delete(w.pending, ev.Path)
		w.send(p.event)
		ok = false
	}

	if ok {
		p.timer.Stop()
		if ev.Kind == model.FileAdded {
			p.event.Kind = model.FileAdded
		}
		p.event.ObservedAt = ev.ObservedAt
	} else {
		p = &pendingEvent{event: ev}
		w.pending[ev.Path] = p
	}

	w.seq++
	p.seq = w.seq
	key := readyKey{path: ev.Path, seq: p.seq}
	p.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.ready <- key:
		case <-w.closeCh:
		}
	})
}

// fire emits the held event for r.path if r is its latest generation and
// the path still belongs to the watched directory.
func (w *Watcher) fire(r readyKey) {
	p, ok := w.pending[r.path]
	if !ok || p.seq != r.seq {
		return
	}
	delete(w.pending, r.path)
	if !w.inWatchedDir(r.path) {
		return
	}
	w.send(p.event)
}

func (w *Watcher) inWatchedDir(path string) bool {
	w.mu.Lock()
	dir := w.dir
	w.mu.Unlock()
	return dir != "" && filepath.Dir(path) == dir
}

// send blocks until the consumer takes the event or the watcher closes.
func (w *Watcher) send(ev model.FileEvent) {
	select {
	case w.events <- ev:
	case <-w.closeCh:
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

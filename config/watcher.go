package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Logger is the subset of logging the watcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Watcher calls OnChange after the configuration file changes on disk. Rapid
// successive writes are coalesced into a single call. The containing directory
// is watched rather than the file itself so that atomic rename-over saves are
// picked up.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(context.Context)
	ignore   func(data []byte) bool
	logger   Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for watch errors.
func WithWatchLogger(l Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithIgnore skips a change when fn reports that the file's current content
// needs no reaction, such as a document the process saved itself.
func WithIgnore(fn func(data []byte) bool) WatcherOption {
	return func(w *Watcher) { w.ignore = fn }
}

// NewWatcher creates a watcher for path. It does nothing until Start.
func NewWatcher(path string, onChange func(context.Context), opts ...WatcherOption) *Watcher {
	w := &Watcher{path: path, debounce: DefaultDebounce, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It returns ErrWatcherRunning if already started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWatcherRunning
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(w.path)
	if err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, fsw, abs)
	return nil
}

// Stop ends watching and waits for the loop to exit. A change callback that is
// already running is allowed to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer close(w.done)
	defer fsw.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if w.logger != nil {
				w.logger.Debug("config file changed", "path", target, "op", ev.Op.String())
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watch error", "path", target, "error", err)
			}
		case <-fire:
			fire = nil
			if w.ignored(target) {
				continue
			}
			w.onChange(ctx)
		}
	}
}

func (w *Watcher) ignored(target string) bool {
	if w.ignore == nil {
		return false
	}
	data, err := os.ReadFile(target)
	if err != nil || !w.ignore(data) {
		return false
	}
	if w.logger != nil {
		w.logger.Debug("config change ignored", "path", target)
	}
	return true
}

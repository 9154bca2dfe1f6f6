package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last filesystem
// event in a plugin directory before acting on it. Editors and package
// tools touch several files per save; one settle covers the burst.
const DefaultDebounce = 500 * time.Millisecond

type watcherConfig struct {
	log      *logrus.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*watcherConfig)

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(log *logrus.Logger) WatcherOption {
	return func(c *watcherConfig) {
		c.log = log
	}
}

// WithDebounce sets the settle delay applied per plugin directory.
func WithDebounce(d time.Duration) WatcherOption {
	return func(c *watcherConfig) {
		c.debounce = d
	}
}

// Watcher reacts to plugin directory changes: a new directory with a
// manifest is loaded, a changed one is reloaded, a removed one is
// unloaded. Events are debounced per plugin directory so a multi-file
// save triggers one reload, not five.
type Watcher struct {
	mgr      *Manager
	fsw      *fsnotify.Watcher
	log      *logrus.Entry
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	roots   []string
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher driving mgr. Call Start to begin watching.
func NewWatcher(mgr *Manager, opts ...WatcherOption) (*Watcher, error) {
	cfg := watcherConfig{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.New()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		mgr:      mgr,
		fsw:      fsw,
		log:      cfg.log.WithField("component", "plugin.watcher"),
		debounce: cfg.debounce,
		pending:  make(map[string]*time.Timer),
		closeCh:  make(chan struct{}),
	}, nil
}

// Start watches the manager's search paths and every known plugin
// directory, then begins processing events. Search paths that do not
// exist are skipped; they can appear later only after a restart.
func (w *Watcher) Start() error {
	var roots []string
	for _, p := range w.mgr.Loader().Paths() {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			continue
		}
		if err := w.fsw.Add(abs); err != nil {
			w.log.WithField("path", abs).WithError(err).Warn("cannot watch plugin path")
			continue
		}
		roots = append(roots, abs)
	}

	w.mu.Lock()
	w.roots = roots
	w.mu.Unlock()

	// Watch the plugin directories themselves; fsnotify is not
	// recursive, and manifest edits happen one level below the roots.
	if ds, err := w.mgr.Discover(); err == nil {
		for _, d := range ds {
			if err := w.fsw.Add(d.Dir); err != nil {
				w.log.WithField("dir", d.Dir).WithError(err).Debug("cannot watch plugin dir")
			}
		}
	}

	w.wg.Add(1)
	go w.run()

	w.log.WithField("paths", len(roots)).Info("watching plugin directories")
	return nil
}

// Close stops the watcher and cancels pending debounce timers. In-flight
// reloads finish on their own goroutines.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for dir, t := range w.pending {
		t.Stop()
		delete(w.pending, dir)
	}
	w.mu.Unlock()

	close(w.closeCh)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	dir, ok := w.pluginDir(ev.Name)
	if !ok {
		return
	}

	// A brand new plugin directory has to be watched itself, or its
	// manifest write will never be seen.
	if ev.Op.Has(fsnotify.Create) && ev.Name == dir {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := w.fsw.Add(dir); err != nil {
				w.log.WithField("dir", dir).WithError(err).Debug("cannot watch new plugin dir")
			}
		}
	}

	w.schedule(dir)
}

// pluginDir maps an event path to the plugin directory it belongs to:
// the immediate child of a watched root.
func (w *Watcher) pluginDir(path string) (string, bool) {
	path = filepath.Clean(path)

	w.mu.Lock()
	roots := w.roots
	w.mu.Unlock()

	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) {
			continue
		}
		if len(rel) >= 2 && rel[:2] == ".." {
			continue
		}
		first := rel
		if i := firstSeparator(rel); i >= 0 {
			first = rel[:i]
		}
		return filepath.Join(root, first), true
	}
	return "", false
}

func firstSeparator(p string) int {
	for i := 0; i < len(p); i++ {
		if os.IsPathSeparator(p[i]) {
			return i
		}
	}
	return -1
}

// schedule arms or extends the settle timer for a plugin directory.
func (w *Watcher) schedule(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if t, ok := w.pending[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.settle(dir)
	})
}

// settle decides what a quiet-again plugin directory means: load it,
// reload it, or unload the plugin that used to live there.
func (w *Watcher) settle(dir string) {
	w.mu.Lock()
	delete(w.pending, dir)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := w.log.WithField("dir", dir)
	id, loaded := w.mgr.pluginByDir(dir)
	_, inspectErr := w.mgr.Loader().Inspect(dir)

	switch {
	case loaded && inspectErr == nil:
		newID, err := w.mgr.Reload(ctx, id)
		if err != nil {
			if errors.Is(err, ErrManagerClosed) {
				return
			}
			log.WithField("plugin", id).WithError(err).Error("reload failed")
			return
		}
		log.WithField("plugin", newID).Info("plugin reloaded")

	case loaded:
		if err := w.mgr.Unload(ctx, id); err != nil {
			if errors.Is(err, ErrManagerClosed) || errors.Is(err, ErrNotLoaded) {
				return
			}
			log.WithField("plugin", id).WithError(err).Error("unload failed")
			return
		}
		log.WithField("plugin", id).Info("plugin unloaded after removal")

	case inspectErr == nil:
		id, err := w.mgr.Load(ctx, dir)
		if err != nil {
			if errors.Is(err, ErrManagerClosed) {
				return
			}
			log.WithError(err).Error("load failed")
			return
		}
		log.WithField("plugin", id).Info("plugin loaded")

	default:
		// Not loaded and no valid manifest; a directory still being
		// written, or one we never managed.
		log.WithError(inspectErr).Debug("ignoring change")
	}
}

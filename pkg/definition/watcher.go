package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/entrhq/monkey/pkg/logging"
)

// DefaultDebounce is how long a file must be quiet before it is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// WatchHandler receives definition changes.
type WatchHandler struct {
	// OnChange is called with a definition that was created or rewritten.
	OnChange func(Server)
	// OnRemove is called with the id implied by a removed file's name.
	OnRemove func(id string)
	// OnError is called for files that fail to load.
	OnError func(path string, err error)
}

// Watcher reloads definition files when they change on disk.
type Watcher struct {
	dir      string
	handler  WatchHandler
	debounce time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher for dir.
func NewWatcher(dir string, handler WatchHandler, debounce time.Duration, logger *logging.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		dir:      dir,
		handler:  handler,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Run watches until ctx ends. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Infof("watching %s for definition changes", w.dir)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.schedule(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("definition watcher error: %v", err)
		}
	}
}

// schedule (re)starts the quiet period for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.settle(path)
	})
}

// settle looks at the file once it has stopped changing. Editors and
// atomic writers rename over the target, so the final state decides
// between change and removal.
func (w *Watcher) settle(path string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		w.logger.Infof("definition %s removed", path)
		if w.handler.OnRemove != nil {
			w.handler.OnRemove(IDFromPath(path))
		}
		return
	}

	s, err := LoadFile(path)
	if err != nil {
		w.logger.Warnf("failed to reload %s: %v", path, err)
		if w.handler.OnError != nil {
			w.handler.OnError(path, err)
		}
		return
	}
	w.logger.Infof("definition %s changed", s.ID)
	if w.handler.OnChange != nil {
		w.handler.OnChange(s)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

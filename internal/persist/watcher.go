package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies when any canonical mapping file changes on disk, e.g.
// after the CLI committed a mutation while a daemon is running.
type Watcher struct {
	watcher  *fsnotify.Watcher
	targets  map[string]struct{}
	debounce time.Duration
	onChange func(context.Context)
	logger   *slog.Logger
}

// NewWatcher watches the parent directories of paths. Directories that do not
// exist yet are skipped with a warning.
func NewWatcher(paths []string, debounce time.Duration, onChange func(context.Context), logger *slog.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("persist: watcher callback required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("persist: new watcher: %w", err)
	}
	w := &Watcher{
		watcher:  fw,
		targets:  make(map[string]struct{}, len(paths)),
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("persist: resolve %s: %w", p, err)
		}
		w.targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	watched := 0
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			logger.Warn("persist: cannot watch directory", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = fw.Close()
		return nil, errors.New("persist: no watchable directory")
	}
	return w, nil
}

// Run dispatches change notifications until ctx is cancelled. Bursts of
// events within the debounce window produce a single callback.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("persist: mapping changed", slog.String("path", event.Name), slog.String("op", event.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("persist: watcher error", slog.Any("error", err))
		case <-timer.C:
			w.onChange(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.targets[abs]
	return ok
}

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"assessment-sync/internal/logger"
)

// Watcher re-imports the catalog file whenever it changes on disk. Changes
// take effect at the next job launch because jobs snapshot the catalog.
type Watcher struct {
	path     string
	writer   Writer
	debounce time.Duration
	watcher  *fsnotify.Watcher
	onImport func(*Snapshot, error)
}

func NewWatcher(path string, w Writer, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     filepath.Clean(path),
		writer:   w,
		debounce: debounce,
		watcher:  fw,
	}, nil
}

// OnImport registers a callback invoked after every re-import attempt.
func (w *Watcher) OnImport(fn func(*Snapshot, error)) {
	w.onImport = fn
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("Catalog watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			snap, err := Import(ctx, w.writer, w.path)
			if err != nil {
				logger.Log.Error("Catalog re-import failed, keeping previous catalog",
					zap.String("path", w.path), zap.Error(err))
			}
			if w.onImport != nil {
				w.onImport(snap, err)
			}
		}
	}
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rhuss/labflow/pkg/debug"
)

// DefaultDebounce batches the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Memory catalog when its source files change. A file
// that fails to parse or validate is logged and the previous catalog
// stays in place.
type Watcher struct {
	path     string
	catalog  *Memory
	debounce time.Duration

	// OnReload, if set, is called after every reload attempt with the
	// number of loaded protocols or the error that kept the old set.
	OnReload func(n int, err error)
}

// NewWatcher creates a watcher for path (a catalog file or directory).
func NewWatcher(path string, catalog *Memory) *Watcher {
	return &Watcher{
		path:     path,
		catalog:  catalog,
		debounce: DefaultDebounce,
	}
}

// SetDebounce overrides the debounce interval.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Reload loads the catalog path and swaps it in. An empty result is
// treated as an error: it usually means a file was caught mid-write.
func (w *Watcher) Reload() (int, error) {
	protocols, err := Load(w.path)
	if err != nil {
		return 0, err
	}
	if len(protocols) == 0 {
		return 0, fmt.Errorf("catalog %s has no protocols", w.path)
	}
	if err := w.catalog.Replace(protocols); err != nil {
		return 0, err
	}
	return len(protocols), nil
}

// Run watches until ctx is cancelled. It returns nil on cancellation and
// an error only if the watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating catalog watcher: %w", err)
	}
	defer fsw.Close()

	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("catalog path: %w", err)
	}

	// Watch the parent of a single file: editors often replace a file by
	// rename, which drops a watch on the file itself.
	dir, match := w.path, ""
	if !info.IsDir() {
		dir, match = filepath.Dir(w.path), filepath.Clean(w.path)
	}
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	slog.Info("watching protocol catalog", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event, match) {
				continue
			}
			debug.Log(debug.Catalog, "catalog change", "file", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("catalog watcher error", "error", err)

		case <-timer.C:
			n, err := w.Reload()
			if err != nil {
				slog.Error("catalog reload failed, keeping previous protocols", "path", w.path, "error", err)
			} else {
				slog.Info("protocol catalog reloaded", "path", w.path, "protocols", n)
			}
			if w.OnReload != nil {
				w.OnReload(n, err)
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event, match string) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if match != "" {
		return filepath.Clean(event.Name) == match
	}
	return isCatalogFile(filepath.Base(event.Name))
}

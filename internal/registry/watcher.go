package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/switchyard/internal/app"
)

// Watcher re-runs discovery when the discovery roots change. Events are
// debounced so a burst of writes (an application being copied in) results in
// a single rebuild.
type Watcher struct {
	reg      *Registry
	roots    []string
	debounce time.Duration
	logger   func(level, msg string, args ...any)

	fsw     *fsnotify.Watcher
	watched map[string]struct{}
}

// NewWatcher creates a watcher over roots. Call Run to start it.
func NewWatcher(reg *Registry, roots []string, debounce time.Duration, logger func(level, msg string, args ...any)) (*Watcher, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		reg:      reg,
		roots:    append([]string(nil), roots...),
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		watched:  make(map[string]struct{}),
	}, nil
}

// Run blocks until ctx is cancelled, rebuilding the registry after each burst
// of relevant filesystem events.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	w.logger("info", "watching discovery roots", "roots", w.roots, "dirs", len(w.watched))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger("warn", "failed to watch new directory", "path", ev.Name, "error", err.Error())
					}
				}
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				delete(w.watched, ev.Name)
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
			pending = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger("warn", "discovery watcher error", "error", err.Error())

		case <-timer.C:
			pending = false
			if _, err := w.reg.Rediscover(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger("error", "re-discovery failed; keeping previous routing table", "error", err.Error())
			}
		}
	}
}

// relevant filters out writes to ordinary files and anything inside an
// admitted application's output directory.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if w.insideOutputDir(ev.Name) {
		return false
	}
	if filepath.Base(ev.Name) == app.ManifestFilename {
		return true
	}
	return !ev.Has(fsnotify.Write)
}

func (w *Watcher) insideOutputDir(path string) bool {
	for _, d := range w.reg.Current().Descriptors() {
		if app.IsWithin(d.OutputDir(), path) {
			return true
		}
	}
	return false
}

// addTree watches dir and its non-hidden subdirectories, skipping the output
// directories of admitted applications.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if w.insideOutputDir(path) {
			return filepath.SkipDir
		}
		if _, ok := w.watched[path]; ok {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		w.watched[path] = struct{}{}
		return nil
	})
}

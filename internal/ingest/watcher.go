// Package ingest watches the DICOM root and hands each newly arrived series
// directory (<root>/<study>/<series>) to a handler once it has been quiet for
// the debounce interval.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reid/internal/fsutil"
)

// SeriesHandler processes one settled series directory.
type SeriesHandler func(ctx context.Context, seriesDir string) error

// Watcher monitors a two-level DICOM tree.
type Watcher struct {
	Root     string
	Debounce time.Duration
	Handle   SeriesHandler
	Logger   *slog.Logger

	watcher *fsnotify.Watcher
	ready   chan struct{}
	settled chan string

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher over root.
func NewWatcher(root string, debounce time.Duration, handle SeriesHandler, logger *slog.Logger) (*Watcher, error) {
	if handle == nil {
		return nil, errors.New("series handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		Root:     filepath.Clean(root),
		Debounce: debounce,
		Handle:   handle,
		Logger:   logger,
		watcher:  w,
		ready:    make(chan struct{}),
		settled:  make(chan string, 64),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Ready is closed once the initial watches are in place.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is cancelled. Series are handled one at a time;
// a handler error is logged and does not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	defer w.stopTimers()

	if err := w.add(w.Root); err != nil {
		return err
	}
	studies, err := fsutil.SubDirs(w.Root)
	if err != nil {
		return err
	}
	for _, study := range studies {
		if err := w.addStudy(filepath.Join(w.Root, study), false); err != nil {
			return err
		}
	}
	close(w.ready)
	w.Logger.Info("watching for DICOM series", "root", w.Root, "debounce", w.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("filesystem watcher error", "error", err)

		case series := <-w.settled:
			w.Logger.Info("series settled", "series", series)
			if err := w.Handle(ctx, series); err != nil {
				w.Logger.Error("series handling failed", "series", series, "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	rel, err := filepath.Rel(w.Root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return
		}
	}

	switch len(parts) {
	case 1:
		if event.Op&fsnotify.Create != 0 && isDir(event.Name) {
			if err := w.addStudy(event.Name, true); err != nil {
				w.Logger.Warn("cannot watch study", "dir", event.Name, "error", err)
			}
		}
	case 2:
		if event.Op&fsnotify.Create != 0 && isDir(event.Name) {
			if err := w.add(event.Name); err != nil {
				w.Logger.Warn("cannot watch series", "dir", event.Name, "error", err)
				return
			}
			w.schedule(event.Name)
		}
	default:
		w.schedule(filepath.Join(w.Root, parts[0], parts[1]))
	}
}

// addStudy watches a study and its existing series. Series found in a study
// that appeared while running are scheduled, since their creation events
// may have been missed.
func (w *Watcher) addStudy(dir string, scheduleExisting bool) error {
	if err := w.add(dir); err != nil {
		return err
	}
	series, err := fsutil.SubDirs(dir)
	if err != nil {
		return err
	}
	for _, s := range series {
		path := filepath.Join(dir, s)
		if err := w.add(path); err != nil {
			return err
		}
		if scheduleExisting {
			w.schedule(path)
		}
	}
	return nil
}

func (w *Watcher) add(dir string) error {
	w.Logger.Debug("watching directory", "dir", dir)
	return w.watcher.Add(dir)
}

// schedule (re)arms the debounce timer of a series.
func (w *Watcher) schedule(series string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[series]; ok {
		t.Reset(w.Debounce)
		return
	}
	w.timers[series] = time.AfterFunc(w.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, series)
		w.mu.Unlock()
		select {
		case w.settled <- series:
		default:
			w.Logger.Warn("settled queue full, dropping series", "series", series)
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for series, t := range w.timers {
		t.Stop()
		delete(w.timers, series)
	}
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// Package watch submits measurement files dropped into a directory to the
// calibration pipeline.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"photcal/internal/fsutil"
	"photcal/internal/logging"
	"photcal/internal/pipeline"
)

// DefaultSettle is how long a file must stay unchanged before it is
// submitted.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher monitors directories for new measurement files.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	submit  Submitter
	log     *slog.Logger
	settle  time.Duration
	newID   func(path string) string

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// WithIDFunc sets how job IDs are derived from file paths.
func WithIDFunc(fn func(path string) string) Option {
	return func(w *Watcher) { w.newID = fn }
}

// New creates a watcher over dirs. Nothing is watched until Run.
func New(dirs []string, sub Submitter, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher: fw,
		dirs:    dirs,
		submit:  sub,
		log:     logging.Component(logger, "watch"),
		settle:  DefaultSettle,
		newID: func(path string) string {
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			return fmt.Sprintf("watch-%s-%s", base, time.Now().UTC().Format("20060102T150405"))
		},
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. Files already present are not submitted.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("watching directory", "dir", dir)
	}
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsMeasurementFile(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// schedule (re)arms the settle timer of path; writers that are still
// flushing push the submission back.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()

	job := pipeline.Job{
		ID:        w.newID(path),
		Type:      pipeline.JobFile,
		InputPath: path,
		Options:   map[string]any{"source": "watch"},
	}
	if err := w.submit.Submit(job); err != nil {
		w.log.Error("failed to submit measurement file", "path", path, "error", err)
		return
	}
	w.log.Info("submitted measurement file", "path", path, "job", job.ID)
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultBuffer = 64

// Event is a change notification stamped with its arrival time.
type Event struct {
	Path string
	Op   fsnotify.Op
	At   time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher logger. Nil is ignored.
func WithWatcherLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithBuffer sets the capacity of the event channel between the forwarder
// and the consumer loop. Events that do not fit are dropped.
func WithBuffer(n int) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.buffer = n
		}
	}
}

// WithIgnoredDirs skips directories with these base names when walking
// the roots (e.g. ".git").
func WithIgnoredDirs(names ...string) WatcherOption {
	return func(w *Watcher) {
		for _, n := range names {
			w.ignored[n] = true
		}
	}
}

// Watcher subscribes to directory trees and feeds a Debouncer from a single
// consumer loop.
type Watcher struct {
	debouncer *Debouncer
	logger    *zap.Logger
	buffer    int
	ignored   map[string]bool
	now       func() time.Time

	fsw    *fsnotify.Watcher
	events chan Event

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewWatcher watches every root recursively. Directories created later
// below a root are added as they appear.
func NewWatcher(roots []string, d *Debouncer, opts ...WatcherOption) (*Watcher, error) {
	if d == nil {
		return nil, errors.New("watch: nil debouncer")
	}
	if len(roots) == 0 {
		return nil, errors.New("watch: no directories to watch")
	}

	w := &Watcher{
		debouncer: d,
		logger:    zap.NewNop(),
		buffer:    defaultBuffer,
		ignored:   map[string]bool{},
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify: %w", err)
	}
	w.fsw = fsw

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: %s: %w", root, err)
		}
		if !info.IsDir() {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch: %s is not a directory", root)
		}
		if err := w.addTree(root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	w.events = make(chan Event, w.buffer)
	w.wg.Add(1)
	go w.forward()
	return w, nil
}

// WatchList returns the directories currently subscribed.
func (w *Watcher) WatchList() []string {
	return w.fsw.WatchList()
}

// Run consumes events until ctx is done or the watcher is closed. Each
// event is passed to the debouncer synchronously, so at most one pipeline
// run is in flight.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.events:
			if !ok {
				return nil
			}
			w.debouncer.OnEvent(ctx, ev.Path, ev.At)
		}
	}
}

// Close stops the subscription and waits for the forwarder to exit. It is
// safe to call Close multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fsw.Close()
		w.wg.Wait()
	})
	return w.closeErr
}

// forward stamps raw notifications and hands them to the consumer loop.
func (w *Watcher) forward() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			at := w.now()
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if w.ignored[filepath.Base(event.Name)] {
						continue
					}
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch: add directory failed", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.events <- Event{Path: event.Name, Op: event.Op, At: at}:
			case <-w.done:
				return
			default:
				w.logger.Debug("watch: event dropped, consumer busy", zap.String("path", event.Name))
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", zap.Error(err))
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Debug("watch: skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		w.logger.Debug("watch: watching directory", zap.String("path", path))
		return nil
	})
}

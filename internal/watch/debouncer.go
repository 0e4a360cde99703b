// Package watch turns file-system change notifications into pipeline runs.
//
// A Watcher subscribes to the configured roots with fsnotify and forwards
// time-stamped events to a single consumer loop. The loop hands every
// event to a Debouncer, which decides whether the event starts a run.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultCooldown = 5 * time.Second

// DefaultExtensions are the watched suffixes: text inputs, scripts and
// statistical programs.
var DefaultExtensions = []string{".txt", ".py", ".sas"}

// Decision is the debouncer's verdict on one event. The string values are
// used as metric labels.
type Decision string

const (
	Accepted          Decision = "accepted"
	RejectedExtension Decision = "extension"
	RejectedCooldown  Decision = "cooldown"
	RejectedBusy      Decision = "busy"
	RejectedCancelled Decision = "cancelled"
)

// Handler runs the pipeline for an accepted event. It is invoked
// synchronously; the debouncer does not accept another event until it
// returns.
type Handler func(ctx context.Context, path string, at time.Time)

// EventMetrics counts debounce decisions.
type EventMetrics interface {
	EventObserved(decision string)
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithCooldown sets the minimum time between two accepted triggers.
func WithCooldown(d time.Duration) Option {
	return func(db *Debouncer) { db.cooldown = d }
}

// WithExtensions replaces the watched suffix set. Matching is
// case-insensitive; a missing leading dot is added.
func WithExtensions(exts ...string) Option {
	return func(db *Debouncer) { db.extensions = extensionSet(exts) }
}

// WithAfterRun sets the check invoked once the handler returns.
func WithAfterRun(fn func(ctx context.Context)) Option {
	return func(db *Debouncer) { db.afterRun = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(db *Debouncer) { db.now = now }
}

// WithLogger sets the logger for accepted and dropped events. Nil is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(db *Debouncer) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithMetrics records every debounce decision in m.
func WithMetrics(m EventMetrics) Option {
	return func(db *Debouncer) { db.metrics = m }
}

// Debouncer collapses bursts of change events into single pipeline runs.
//
// An event is accepted iff its extension is watched, it did not arrive
// while a run was executing, and more than the cooldown has elapsed since
// the last accepted trigger. Events that arrive during a run are dropped,
// never queued.
type Debouncer struct {
	cooldown   time.Duration
	extensions map[string]bool
	handler    Handler
	afterRun   func(ctx context.Context)
	now        func() time.Time
	logger     *zap.Logger
	metrics    EventMetrics

	mu          sync.Mutex
	running     bool
	lastTrigger time.Time
	lastRunEnd  time.Time
}

// NewDebouncer creates a Debouncer dispatching accepted events to handler.
func NewDebouncer(handler Handler, opts ...Option) *Debouncer {
	d := &Debouncer{
		cooldown:   DefaultCooldown,
		extensions: extensionSet(DefaultExtensions),
		handler:    handler,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEvent decides on the event for path stamped with its arrival time at.
// When accepted, the trigger time is recorded before the handler runs,
// then the handler and the after-run check run synchronously. It reports
// whether the event was accepted.
func (d *Debouncer) OnEvent(ctx context.Context, path string, at time.Time) bool {
	decision := d.claim(ctx, path, at)
	d.observe(decision, path, at)
	if decision != Accepted {
		return false
	}

	d.logger.Info("change detected, triggering pipeline", zap.String("path", path))
	func() {
		defer d.endRun()
		if d.handler != nil {
			d.handler(ctx, path, at)
		}
	}()
	if d.afterRun != nil {
		d.afterRun(ctx)
	}
	return true
}

// claim evaluates the event and, on acceptance, records the trigger.
func (d *Debouncer) claim(ctx context.Context, path string, at time.Time) Decision {
	if ctx.Err() != nil {
		return RejectedCancelled
	}
	if !d.Watches(path) {
		return RejectedExtension
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.running:
		return RejectedBusy
	case d.lastTrigger.IsZero():
	case !at.Before(d.lastTrigger) && at.Before(d.lastRunEnd):
		return RejectedBusy
	case at.Sub(d.lastTrigger) <= d.cooldown:
		return RejectedCooldown
	}
	d.lastTrigger = at
	d.running = true
	return Accepted
}

func (d *Debouncer) endRun() {
	d.mu.Lock()
	d.running = false
	d.lastRunEnd = d.now()
	d.mu.Unlock()
}

// Watches reports whether path has a watched extension.
func (d *Debouncer) Watches(path string) bool {
	return d.extensions[strings.ToLower(filepath.Ext(path))]
}

// LastTrigger returns the time of the last accepted event.
func (d *Debouncer) LastTrigger() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTrigger
}

func (d *Debouncer) observe(decision Decision, path string, at time.Time) {
	if d.metrics != nil {
		d.metrics.EventObserved(string(decision))
	}
	if decision != Accepted {
		d.logger.Debug("change ignored",
			zap.String("path", path),
			zap.String("reason", string(decision)),
			zap.Time("at", at))
	}
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

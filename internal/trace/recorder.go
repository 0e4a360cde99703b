package trace

import (
	"sync"
	"time"
)

// Sink receives controller events. Record must not panic or block; the
// controller treats every sink as optional.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord forwards event to s, swallowing any panic from the sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder keeps the events of the current run in memory, numbering them
// in arrival order and stamping them with the recorder's clock. Call Reset
// before each run.
type Recorder struct {
	now func() time.Time

	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{now: time.Now} }

// WithClock replaces the recorder's clock and returns r.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	event.Seq = len(r.events)
	if event.At.IsZero() {
		event.At = r.now().UTC()
	}
	r.events = append(r.events, event)
}

// Snapshot returns a copy of the events recorded since the last Reset.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Trace packages the recorded events as the trace of one run.
func (r *Recorder) Trace(runID, planHash string) RunTrace {
	return RunTrace{RunID: runID, PlanHash: planHash, Events: r.Snapshot()}
}

// Package trace records the logical transitions of a pipeline run.
//
// The trace is observational only: it never affects execution. The
// controller emits one event per phase transition plus stage-level
// decisions, which makes the state sequence of a run observable in tests
// and persistable next to the run ledger.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EventKind is the stable discriminator for Event. The string values are
// persisted; do not rename.
type EventKind string

const (
	EventTransition     EventKind = "Transition"
	EventStageSucceeded EventKind = "StageSucceeded"
	EventStageFailed    EventKind = "StageFailed"
	EventStageErrored   EventKind = "StageErrored"
	EventCheckpoint     EventKind = "Checkpoint"
)

// Event is a single logical transition or decision.
type Event struct {
	// Seq and At are assigned by the Recorder.
	Seq  int       `json:"seq"`
	At   time.Time `json:"at"`
	Kind EventKind `json:"kind"`

	// From/To are phase labels, set for transitions (e.g. "Running(1)").
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Stage identifies the stage for stage-level events.
	Stage    string `json:"stage,omitempty"`
	Position int    `json:"position"`

	// Detail is a short, stable reason (exit code, missing outputs).
	Detail string `json:"detail,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventTransition:
		return fmt.Sprintf("%s->%s", e.From, e.To)
	default:
		if e.Detail == "" {
			return fmt.Sprintf("%s[%d:%s]", e.Kind, e.Position, e.Stage)
		}
		return fmt.Sprintf("%s[%d:%s] %s", e.Kind, e.Position, e.Stage, e.Detail)
	}
}

// RunTrace is the ordered event list of one run.
type RunTrace struct {
	RunID    string  `json:"run_id"`
	PlanHash string  `json:"plan_hash"`
	Events   []Event `json:"events"`
}

// Elapsed is the time between the first and the last event.
func (t RunTrace) Elapsed() time.Duration {
	if len(t.Events) < 2 {
		return 0
	}
	return t.Events[len(t.Events)-1].At.Sub(t.Events[0].At)
}

// States returns the phase sequence of the run: the first transition's
// source followed by every transition target.
func (t RunTrace) States() []string {
	var out []string
	for _, e := range t.Events {
		if e.Kind != EventTransition {
			continue
		}
		if len(out) == 0 {
			out = append(out, e.From)
		}
		out = append(out, e.To)
	}
	return out
}

// WriteFile writes the trace as indented JSON.
func (t RunTrace) WriteFile(path string) error {
	if t.Events == nil {
		t.Events = []Event{}
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

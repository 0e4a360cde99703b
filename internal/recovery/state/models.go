package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// Run is the persistent metadata of one pipeline pass.
type Run struct {
	RunID     string    `json:"run_id"`
	PlanHash  string    `json:"plan_hash"`
	StartTime time.Time `json:"start_time"`

	// Trigger names what started the run ("startup", "manual" or the
	// changed path).
	Trigger string `json:"trigger"`

	Status       RunStatus    `json:"status"`
	Outcome      string       `json:"outcome,omitempty"`
	Bootstrapped bool         `json:"bootstrapped"`
	Stages       []StageEntry `json:"stages"`
	FinishTime   *time.Time   `json:"finish_time"`
}

// StageEntry records one stage execution inside a run.
type StageEntry struct {
	Position   int    `json:"position"`
	Stage      string `json:"stage"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.PlanHash) == "" {
		errs = append(errs, errors.New("plan_hash is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.FinishTime != nil {
			errs = append(errs, errors.New("finish_time must be null while running"))
		}
	case RunStatusCompleted, RunStatusAborted:
		if r.FinishTime == nil {
			errs = append(errs, fmt.Errorf("finish_time is required for status %q", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Stages == nil {
		errs = append(errs, errors.New("stages must be an array (not null)"))
	}
	for i, s := range r.Stages {
		if strings.TrimSpace(s.Stage) == "" {
			errs = append(errs, fmt.Errorf("stages[%d].stage is required", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Checkpoint is the outcome of verifying outputs after a stage.
//
// Valid is false when at least one expected output was missing. An invalid
// checkpoint is a warning; it never aborts the run.
type Checkpoint struct {
	Position  int       `json:"position"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Existing  []string  `json:"existing"`
	Missing   []string  `json:"missing"`
	Valid     bool      `json:"valid"`
}

func (c Checkpoint) Validate() error {
	var errs []error
	if c.Position < 0 {
		errs = append(errs, errors.New("position must be >= 0"))
	}
	if strings.TrimSpace(c.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if c.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	if c.Existing == nil || c.Missing == nil {
		errs = append(errs, errors.New("existing and missing must be arrays (not null)"))
	}
	if c.Valid != (len(c.Missing) == 0) {
		errs = append(errs, errors.New("valid must be true iff no output is missing"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassStage is a stage that exited non-zero or timed out.
	FailureClassStage FailureClass = "stage"
	// FailureClassSpawn is a stage that could not be started.
	FailureClassSpawn FailureClass = "spawn"
	// FailureClassSystem covers cancellation, panics and anything else.
	FailureClassSystem FailureClass = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Stage        *string      `json:"stage,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	ErrorLines   []string     `json:"error_lines,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassStage, FailureClassSpawn, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Stage != nil && strings.TrimSpace(*f.Stage) == "" {
		errs = append(errs, errors.New("stage must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

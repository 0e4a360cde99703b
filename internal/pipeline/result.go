package pipeline

import (
	"fmt"
	"strings"
	"time"

	"simwatch/internal/core"
)

// Outcome is the terminal result of a run.
type Outcome string

const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeAbortedOnError     Outcome = "aborted-on-error"
	OutcomeAbortedOnException Outcome = "aborted-on-exception"
)

// Trigger describes what started a run.
type Trigger struct {
	// Source is "startup", "manual" or "watch".
	Source string
	// Path is the changed file for watch triggers.
	Path string
	At   time.Time
}

func (t Trigger) String() string {
	if t.Path != "" {
		return t.Path
	}
	if t.Source == "" {
		return "manual"
	}
	return t.Source
}

// CheckpointResult is the verification done after one stage.
type CheckpointResult struct {
	Stage  core.StageSpec
	Result core.CheckResult
}

// RunState is the state of one pipeline run. It is created by
// Controller.Run, mutated only by the controller while the run is live and
// handed to the caller once the run is over.
type RunState struct {
	RunID    string
	PlanHash string
	Trigger  Trigger

	Phase Phase
	// Current is the position of the last stage entered, -1 before any.
	Current int

	Bootstrapped bool
	// Results holds one entry per stage invocation, bootstrap included.
	Results     []*core.RunResult
	Checkpoints []CheckpointResult
	Attestation []core.OutputStatus

	Outcome     Outcome
	Err         error
	FailedStage *core.StageSpec

	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the run completed.
func (rs *RunState) Succeeded() bool {
	return rs != nil && rs.Outcome == OutcomeCompleted
}

// Duration is the wall time of the run.
func (rs *RunState) Duration() time.Duration {
	if rs == nil || rs.FinishedAt.IsZero() {
		return 0
	}
	return rs.FinishedAt.Sub(rs.StartedAt)
}

// LastResult returns the most recent stage result, if any.
func (rs *RunState) LastResult() *core.RunResult {
	if rs == nil || len(rs.Results) == 0 {
		return nil
	}
	return rs.Results[len(rs.Results)-1]
}

// Diagnostic is the operator-facing explanation of an abort. It always
// names the failing stage. Completed runs have no diagnostic.
func (rs *RunState) Diagnostic() string {
	if rs == nil {
		return ""
	}
	name := "pipeline"
	if rs.FailedStage != nil {
		name = rs.FailedStage.Name()
	}

	switch rs.Outcome {
	case OutcomeAbortedOnError:
		var b strings.Builder
		res := rs.LastResult()
		switch {
		case res != nil && res.TimedOut:
			fmt.Fprintf(&b, "stage %s timed out", name)
		case res != nil:
			fmt.Fprintf(&b, "stage %s failed with exit code %d", name, res.ExitCode)
		default:
			fmt.Fprintf(&b, "stage %s failed", name)
		}
		if res != nil {
			if d := res.Diagnostic(); d != "" {
				b.WriteString("\n")
				b.WriteString(d)
			}
		}
		return b.String()
	case OutcomeAbortedOnException:
		return fmt.Sprintf("unexpected error in %s: %v", name, rs.Err)
	default:
		return ""
	}
}

package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"simwatch/internal/core"
)

// Ledger writes run, checkpoint and failure records through a Store.
//
// Callers provide Run metadata and, on abort, the triggering error. The
// ledger classifies the error into the failure taxonomy and persists the
// Failure record next to the run.
type Ledger struct {
	Store *Store

	// Now defaults to time.Now. Timestamps are stored in UTC.
	Now func() time.Time
}

func NewLedger(store *Store) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

// NewRunID returns a random UUID string.
func (l *Ledger) NewRunID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// StartRun persists run in the running status.
func (l *Ledger) StartRun(run Run) error {
	if l == nil || l.Store == nil {
		return errors.New("Store is required")
	}
	if run.StartTime.IsZero() {
		run.StartTime = l.now()
	}
	run.Status = RunStatusRunning
	run.FinishTime = nil
	return l.Store.SaveRun(run)
}

// RecordCheckpoint persists the verification after one stage.
func (l *Ledger) RecordCheckpoint(runID string, cp Checkpoint) error {
	if l == nil || l.Store == nil {
		return errors.New("Store is required")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = l.now()
	}
	return l.Store.SaveCheckpoint(runID, cp)
}

// FinishRun persists the final run record. A non-nil cause is classified
// and written as the run's failure record.
func (l *Ledger) FinishRun(run Run, cause error) error {
	if l == nil || l.Store == nil {
		return errors.New("Store is required")
	}
	if run.FinishTime == nil {
		t := l.now()
		run.FinishTime = &t
	}
	if run.Status == RunStatusRunning || run.Status == "" {
		run.Status = RunStatusCompleted
		if cause != nil {
			run.Status = RunStatusAborted
		}
	}
	if err := l.Store.SaveRun(run); err != nil {
		return err
	}
	if cause == nil {
		return nil
	}
	f, err := failureFromError(cause)
	if err != nil {
		return err
	}
	return l.Store.SaveFailure(run.RunID, f)
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// NewCheckpoint builds the checkpoint record for a verification result.
func NewCheckpoint(stage core.StageSpec, when time.Time, res core.CheckResult) Checkpoint {
	cp := Checkpoint{
		Position:  stage.Position,
		Stage:     stage.Name(),
		Timestamp: when.UTC(),
		Existing:  make([]string, 0, len(res.Existing)),
		Missing:   res.MissingNames(),
	}
	for _, st := range res.Existing {
		cp.Existing = append(cp.Existing, st.Output.Name())
	}
	cp.Valid = len(cp.Missing) == 0
	return cp
}

// NewStageEntry converts a stage result into its ledger entry.
func NewStageEntry(res *core.RunResult) StageEntry {
	return StageEntry{
		Position:   res.Stage.Position,
		Stage:      res.Stage.Name(),
		ExitCode:   res.ExitCode,
		Success:    res.Success,
		TimedOut:   res.TimedOut,
		DurationMS: res.Duration.Milliseconds(),
	}
}

package state

import (
	"context"
	"errors"
	"fmt"

	"simwatch/internal/core"
)

// StageFailureError represents a stage that ran and did not succeed.
type StageFailureError struct {
	Stage    string
	ExitCode int
	TimedOut bool
	Lines    []string
}

func (e *StageFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.TimedOut {
		return fmt.Sprintf("stage failure %s: timed out", e.Stage)
	}
	return fmt.Sprintf("stage failure %s: exit code %d", e.Stage, e.ExitCode)
}

// SpawnFailureError represents a stage that could not be started.
type SpawnFailureError struct {
	Stage string
	Cause error
}

func (e *SpawnFailureError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("spawn failure %s: %v", e.Stage, e.Cause)
}

func (e *SpawnFailureError) Unwrap() error { return e.Cause }

// SystemFailureError represents cancellation, panics and other failures
// outside the stages themselves.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var sf *StageFailureError
	if errors.As(err, &sf) && sf != nil {
		code := "NonZeroExit"
		if sf.TimedOut {
			code = "TimedOut"
		}
		return Failure{
			FailureClass: FailureClassStage,
			Stage:        stagePtr(sf.Stage),
			ErrorCode:    code,
			ErrorMessage: sf.Error(),
			ErrorLines:   sf.Lines,
		}, nil
	}

	var pf *SpawnFailureError
	if errors.As(err, &pf) && pf != nil {
		return Failure{
			FailureClass: FailureClassSpawn,
			Stage:        stagePtr(pf.Stage),
			ErrorCode:    spawnCode(pf.Cause),
			ErrorMessage: pf.Error(),
		}, nil
	}

	var ce *core.SpawnError
	if errors.As(err, &ce) && ce != nil {
		return Failure{
			FailureClass: FailureClassSpawn,
			ErrorCode:    spawnCode(ce),
			ErrorMessage: ce.Error(),
		}, nil
	}

	var sys *SystemFailureError
	if errors.As(err, &sys) && sys != nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    nonEmptyOr(sys.Code, "SystemFailure"),
			ErrorMessage: nonEmptyOr(sys.Message, sys.Error()),
		}, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    "Cancelled",
			ErrorMessage: err.Error(),
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
	}, nil
}

func spawnCode(err error) string {
	var ce *core.SpawnError
	if errors.As(err, &ce) && ce != nil && ce.Op != "" {
		return "Spawn:" + ce.Op
	}
	return "SpawnFailure"
}

func stagePtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

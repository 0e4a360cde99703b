package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPlan = errors.New("invalid pipeline plan")

	// ErrBusy is returned by Controller.Run while another run is live.
	ErrBusy = errors.New("pipeline run already in progress")
)

// PlanError wraps deterministic plan validation failures.
type PlanError struct {
	Kind error
	Msg  string
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &PlanError{Kind: ErrInvalidPlan, Msg: fmt.Sprintf(format, args...)}
}

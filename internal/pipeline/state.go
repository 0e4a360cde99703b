package pipeline

import "fmt"

// PhaseKind is the controller's coarse state.
type PhaseKind string

const (
	PhaseIdle          PhaseKind = "Idle"
	PhaseBootstrapping PhaseKind = "Bootstrapping"
	PhaseRunning       PhaseKind = "Running"
	PhaseCompleted     PhaseKind = "Completed"
	PhaseAborted       PhaseKind = "Aborted"
)

// Phase is a controller state. Stage is meaningful only for PhaseRunning
// and holds the running stage's position.
type Phase struct {
	Kind  PhaseKind
	Stage int
}

var (
	Idle          = Phase{Kind: PhaseIdle}
	Bootstrapping = Phase{Kind: PhaseBootstrapping}
	Completed     = Phase{Kind: PhaseCompleted}
	Aborted       = Phase{Kind: PhaseAborted}
)

// Running returns the phase for the stage at position.
func Running(position int) Phase {
	return Phase{Kind: PhaseRunning, Stage: position}
}

func (p Phase) String() string {
	if p.Kind == PhaseRunning {
		return fmt.Sprintf("Running(%d)", p.Stage)
	}
	return string(p.Kind)
}

// IsTerminal reports whether the phase ends a run.
func (p Phase) IsTerminal() bool {
	return p.Kind == PhaseCompleted || p.Kind == PhaseAborted
}

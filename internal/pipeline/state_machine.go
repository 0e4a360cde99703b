package pipeline

import "fmt"

// Transition performs a validated phase transition on rs.
//
// The caller supplies the expected prior phase (from) to make races
// observable. rs is mutated if and only if the transition is valid.
func Transition(rs *RunState, from, to Phase) error {
	if rs == nil {
		return fmt.Errorf("nil run state")
	}
	if rs.Phase != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, rs.Phase)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	rs.Phase = to
	return nil
}

func isAllowedTransition(from, to Phase) bool {
	switch from.Kind {
	case PhaseIdle:
		return to.Kind == PhaseBootstrapping || to.Kind == PhaseRunning || to.Kind == PhaseAborted
	case PhaseBootstrapping:
		return to.Kind == PhaseRunning || to.Kind == PhaseAborted
	case PhaseRunning:
		switch to.Kind {
		case PhaseRunning:
			return to.Stage > from.Stage
		case PhaseCompleted, PhaseAborted:
			return true
		}
		return false
	default:
		return false
	}
}

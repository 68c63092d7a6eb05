package orchestrator

// State is a step of the turn state machine.
type State string

const (
	StateStart          State = "start"
	StateBuildingPrompt State = "building_prompt"
	StateAwaitingModel  State = "awaiting_model"
	StateSplittingCalls State = "splitting_calls"
	StateExecutingSync  State = "executing_sync"
	StateAssembling     State = "assembling"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

var transitions = map[State][]State{
	StateStart:          {StateBuildingPrompt},
	StateBuildingPrompt: {StateAwaitingModel, StateAssembling},
	StateAwaitingModel:  {StateSplittingCalls},
	StateSplittingCalls: {StateExecutingSync},
	StateExecutingSync:  {StateAssembling},
	StateAssembling:     {StateDone},
}

// CanTransition reports whether to is reachable from from. Failed is
// reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

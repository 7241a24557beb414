package agent

// State is a position in the exchange state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateEmittingText
	StateRequestingTools
	StateExecutingTools
	StateDone
	StateAborted
	StateErrored
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateAwaitingModel:   "awaiting-model",
	StateEmittingText:    "emitting-text",
	StateRequestingTools: "requesting-tools",
	StateExecutingTools:  "executing-tools",
	StateDone:            "done",
	StateAborted:         "aborted",
	StateErrored:         "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the exchange has ended.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted || s == StateErrored
}

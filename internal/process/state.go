package process

import "fmt"

// State is the lifecycle state of a Process.
type State int

const (
	// StateCreated is the state before the child has been spawned.
	StateCreated State = iota
	// StateRunning means the child was spawned and no exit has been observed.
	StateRunning
	// StateExited means the child exited on its own.
	StateExited
	// StateKilled means the child was terminated by a signal.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled
}

var validTransitions = map[State][]State{
	StateCreated: {StateRunning},
	StateRunning: {StateExited, StateKilled},
	StateExited:  {},
	StateKilled:  {},
}

func canTransition(from, to State) bool {
	for _, valid := range validTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

package model

import (
	"fmt"
)

// State is a phase of the job pipeline. The zero value means the state
// has not been observed yet.
type State string

const (
	StateUnset          State = ""
	StateStandby        State = "STANDBY"
	StateInitializing   State = "INITIALIZING"
	StateSpawningVMs    State = "SPAWNING_VMS"
	StateCloningSource  State = "CLONING_SOURCE"
	StateRunningInstall State = "RUNNING_INSTALL"
	StateRunningTests   State = "RUNNING_TESTS"
	StateCleaningUp     State = "CLEANING_UP"
	StateSuccess        State = "SUCCESS"
	StateError          State = "ERROR"
)

// pipeline is the successful path in order, starting from the unset state.
var pipeline = []State{
	StateUnset,
	StateStandby,
	StateInitializing,
	StateSpawningVMs,
	StateCloningSource,
	StateRunningInstall,
	StateRunningTests,
	StateCleaningUp,
	StateSuccess,
}

// States returns all the concrete states, the pipeline order first and ERROR last.
func States() []State {
	ret := make([]State, 0, len(pipeline))
	ret = append(ret, pipeline[1:]...)
	return append(ret, StateError)
}

// ParseState converts the wire form of a state. The unset state is not
// accepted, a worker always reports a concrete one.
func ParseState(s string) (State, error) {
	st := State(s)
	if st == StateError {
		return st, nil
	}
	if st != StateUnset && st.order() >= 0 {
		return st, nil
	}
	return StateUnset, fmt.Errorf("unknown state %q", s)
}

func (s State) String() string {
	if s == StateUnset {
		return "UNSET"
	}
	return string(s)
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Next returns the following state on the successful path, or s itself for
// terminal and unknown states.
func (s State) Next() State {
	i := s.order()
	if i < 0 || i+1 >= len(pipeline) {
		return s
	}
	return pipeline[i+1]
}

func (s State) order() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// ValidTransition reports whether a worker may move from one observed state to
// another:
//   - into ERROR from every non-terminal state, unset included
//   - into the next pipeline state, nothing is skipped
//   - into the same non-terminal state, which is a further note of a running phase
//
// Nothing leaves SUCCESS or ERROR.
func ValidTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if from != StateUnset && from.order() < 0 {
		return false
	}
	switch {
	case to == StateError:
		return true
	case to == StateUnset:
		return false
	case to == from:
		return true
	default:
		return to == from.Next()
	}
}

package task

import (
	"errors"
	"fmt"
)

// State is a task lifecycle state.
type State int

const (
	StateNew State = iota
	WaitingDependencies
	Ready
	Running
	DoneOK
	DoneFailed
)

var stateNames = [...]string{"NEW", "WAITING_DEPENDENCIES", "READY", "RUNNING", "DONE_OK", "DONE_FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for i, n := range stateNames {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// IsTerminal reports whether no further transitions are expected.
func (s State) IsTerminal() bool { return s == DoneOK || s == DoneFailed }

// ErrInvalidTransition is returned when a transition breaks the state machine.
var ErrInvalidTransition = errors.New("invalid task state transition")

var transitions = map[State][]State{
	StateNew:            {WaitingDependencies, DoneFailed},
	WaitingDependencies: {Ready, DoneFailed},
	Ready:               {Running, DoneFailed},
	Running:             {DoneOK, DoneFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailReason says why a task ended DONE_FAILED.
type FailReason string

const (
	ReasonNone             FailReason = ""
	ReasonExitCode         FailReason = "exit-code"
	ReasonTimeout          FailReason = "timeout"
	ReasonWallTimeout      FailReason = "wall-timeout"
	ReasonKilled           FailReason = "killed"
	ReasonMissingOutput    FailReason = "missing-output"
	ReasonDisappeared      FailReason = "disappeared"
	ReasonDependencyFailed FailReason = "dependency-failed"
	ReasonSubmitError      FailReason = "submit-error"
)

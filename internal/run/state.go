package run

import (
	"errors"
	"fmt"
)

// RunState is the control-flow signal a thread carries between statements.
type RunState int

const (
	Running RunState = iota
	Break
	Continue
	Return
	Exit
	FatalError
	CheckpointRecover
	Finished
)

var stateNames = map[RunState]string{
	Running:           "RUNNING",
	Break:             "BREAK",
	Continue:          "CONTINUE",
	Return:            "RETURN",
	Exit:              "EXIT",
	FatalError:        "FATAL_ERROR",
	CheckpointRecover: "CHECKPOINT_RECOVER",
	Finished:          "FINISHED",
}

func (s RunState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// ParseRunState is the inverse of String.
func ParseRunState(s string) (RunState, error) {
	for st, n := range stateNames {
		if n == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown run state %q", s)
}

// IsTerminal reports whether a thread in this state has stopped for good.
func (s RunState) IsTerminal() bool {
	return s == Exit || s == FatalError || s == Finished
}

// Proceeds reports whether a block keeps iterating its statements.
func (s RunState) Proceeds() bool {
	return s == Running || s == CheckpointRecover
}

// ErrCheckpointRecover is returned when a resumed thread cannot follow its
// saved program counter.
var ErrCheckpointRecover = errors.New("checkpoint recover")

// ExitCodeFatal is the exit code of a thread that ends in FATAL_ERROR
// without an explicit value.
const ExitCodeFatal = 1

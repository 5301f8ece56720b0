// Package executioner defines the contract every execution backend satisfies,
// plus the pieces backends share: a poll monitor that enforces timeouts and a
// resource budget used for admission control.
//
// A backend only knows how to submit, poll and kill a job. Everything about
// lifecycle (when a task counts as running, when it timed out, reporting the
// outcome exactly once) lives in Monitor, so all backends behave the same.
package executioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/task"
)

// ErrUnknownJob is returned by Poll when the backend no longer knows the job.
// The monitor treats it as the task having disappeared.
var ErrUnknownJob = errors.New("unknown job")

// ErrNoReattach is returned when a backend cannot follow a job submitted by a
// previous process.
var ErrNoReattach = errors.New("executioner cannot reattach to jobs")

// Status is one observation of a submitted job.
type Status struct {
	// Running is true once the job is known to be executing.
	Running bool
	// Done is true when the job has ended; ExitCode is then valid.
	Done     bool
	ExitCode int
}

// Executioner is a backend driver.
type Executioner interface {
	// Type is the backend selector, matching the task's `system` option.
	Type() string
	// Submit starts the task and returns the backend job id. Submitting the
	// same task id twice must not run the program twice.
	Submit(ctx context.Context, t *task.Task) (string, error)
	Poll(ctx context.Context, pid string) (Status, error)
	Kill(ctx context.Context, pid string) error
	// ParsePidLine extracts a job id from a line of backend output, or
	// returns "" when the line does not carry one.
	ParsePidLine(line string) string
	// CanReattach reports whether jobs survive this process and can be polled
	// again after a resume.
	CanReattach() bool
	Close(ctx context.Context) error
}

// Admitter is implemented by backends that cap the resources in use. Admit
// blocks until the task fits, and the returned release must be called exactly
// once when the task reaches a terminal state.
type Admitter interface {
	Admit(ctx context.Context, t *task.Task) (release func(), err error)
}

// Adopter is implemented by backends that need to learn about a job
// submitted by an earlier process before they can poll it.
type Adopter interface {
	Adopt(t *task.Task)
}

// Factory builds an executioner on first use.
type Factory func(ctx context.Context) (Executioner, error)

// UnknownSystemError is returned for a `system` nobody registered.
type UnknownSystemError struct {
	System string
}

func (e *UnknownSystemError) Error() string {
	return fmt.Sprintf("unknown executioner system %q", e.System)
}

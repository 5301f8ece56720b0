package task

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Resources is the resource request attached to a task.
type Resources struct {
	Cpus int
	// Mem is in bytes; a negative value means unrestricted.
	Mem int64
	// Timeout is measured in seconds from the moment the task starts running.
	Timeout int64
	// WallTimeout is measured in seconds from submission.
	WallTimeout int64
	Queue       string
	Node        string
	System      string
}

// Task is one declared unit of external work.
type Task struct {
	ID       string
	Name     string
	NodeID   string
	ThreadID string
	Program  string
	Inputs   []string
	Outputs  []string
	// After lists task ids this task explicitly depends on.
	After     []string
	Resources Resources

	CanFail    bool
	AllowEmpty bool
	MaxRetry   int
	// Deferred tasks are only activated by a goal.
	Deferred bool
	// Dir is where the script, stdout, stderr and exit-code files live.
	Dir string

	mu         sync.Mutex
	state      State
	retryCount int
	pid        string
	exitCode   int
	reason     FailReason
	replacedBy string
	created    time.Time
	submitted  time.Time
	started    time.Time
	finished   time.Time
}

// New returns a task in state NEW.
func New(id, name, program string) *Task {
	return &Task{ID: id, Name: name, Program: program, created: time.Now(), exitCode: -1}
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the task to state `to`, recording timestamps.
func (t *Task) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to State) error {
	if !canTransition(t.state, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.state, to)
	}
	now := time.Now()
	switch to {
	case Running:
		t.started = now
	case DoneOK, DoneFailed:
		t.finished = now
	}
	t.state = to
	return nil
}

// Submitted records a successful submission and the backend job id.
func (t *Task) Submitted(pid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pid = pid
	t.submitted = time.Now()
}

// Finish records the exit code and moves the task to DONE_OK when reason is
// empty, DONE_FAILED otherwise.
func (t *Task) Finish(exitCode int, reason FailReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	to := DoneOK
	if reason != ReasonNone {
		to = DoneFailed
	}
	if err := t.transitionLocked(to); err != nil {
		return err
	}
	t.exitCode = exitCode
	t.reason = reason
	return nil
}

// Retry returns a fresh NEW instance sharing this task's program, files and
// dependencies, with the retry count incremented.
func (t *Task) Retry(newID string) *Task {
	t.mu.Lock()
	count := t.retryCount
	t.mu.Unlock()

	n := New(newID, t.Name, t.Program)
	n.NodeID = t.NodeID
	n.ThreadID = t.ThreadID
	n.Inputs = append([]string(nil), t.Inputs...)
	n.Outputs = append([]string(nil), t.Outputs...)
	n.After = append([]string(nil), t.After...)
	n.Resources = t.Resources
	n.CanFail = t.CanFail
	n.AllowEmpty = t.AllowEmpty
	n.MaxRetry = t.MaxRetry
	n.Dir = t.Dir
	n.retryCount = count + 1
	return n
}

// CanRetry reports whether a failed attempt may be retried.
func (t *Task) CanRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount < t.MaxRetry
}

// SetReplacedBy links a failed attempt to its retry.
func (t *Task) SetReplacedBy(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replacedBy = id
}

// IsOK reports whether the task counts as successful for a waiter: it ended
// DONE_OK, or it failed and may fail.
func (t *Task) IsOK() bool {
	switch t.State() {
	case DoneOK:
		return true
	case DoneFailed:
		return t.CanFail
	}
	return false
}

// RetryCount is the number of earlier attempts.
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// Pid is the backend job id, empty until submitted.
func (t *Task) Pid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// ExitCode is -1 until the task finishes.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

func (t *Task) FailReason() FailReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

func (t *Task) ReplacedBy() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replacedBy
}

// Times returns the creation, submission, start and finish timestamps.
func (t *Task) Times() (created, submitted, started, finished time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, t.submitted, t.started, t.finished
}

// Elapsed is the running time, or time so far when still running.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	if t.finished.IsZero() {
		return time.Since(t.started)
	}
	return t.finished.Sub(t.started)
}

func (t *Task) file(ext string) string { return filepath.Join(t.Dir, t.ID+ext) }

// ScriptPath is the generated shell script.
func (t *Task) ScriptPath() string { return t.file(".sh") }

// StdoutPath holds the program's standard output.
func (t *Task) StdoutPath() string { return t.file(".stdout") }

// StderrPath holds the program's standard error.
func (t *Task) StderrPath() string { return t.file(".stderr") }

// ExitCodePath holds the exit code written by the wrapper script.
func (t *Task) ExitCodePath() string { return t.file(".exitCode") }

func (t *Task) String() string {
	return fmt.Sprintf("%s(%s)", t.ID, t.State())
}

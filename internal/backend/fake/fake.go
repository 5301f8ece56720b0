// Package fake is an in-memory backend whose jobs follow a script keyed by
// task name. It records how many jobs ran at once, which makes it the
// backend of choice for scheduler and interpreter tests.
package fake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
)

// Script describes how jobs of one task name behave.
type Script struct {
	// ExitCodes lists the exit code of each attempt. The last entry repeats.
	ExitCodes []int
	Duration  time.Duration
	// NoOutputs skips creating the task's output files on success.
	NoOutputs bool
	// Vanish makes the job unknown to Poll, as if the backend lost it.
	Vanish bool
}

type job struct {
	taskID   string
	done     bool
	exitCode int
	timer    *time.Timer
}

// Executioner is the scripted backend.
type Executioner struct {
	typ      string
	budget   *executioner.Budget
	reattach bool

	mu         sync.Mutex
	scripts    map[string]Script
	attempts   map[string]int
	jobs       map[string]*job
	byTask     map[string]string
	submitted  []string
	running    int
	maxRunning int
	seq        int
	closed     bool
}

// Option configures the fake.
type Option func(*Executioner)

// WithBudget enables admission control with the given caps.
func WithBudget(cpus int, mem int64) Option {
	return func(e *Executioner) { e.budget = executioner.NewBudget(cpus, mem) }
}

// WithReattach makes the fake claim its jobs survive a restart.
func WithReattach() Option {
	return func(e *Executioner) { e.reattach = true }
}

// New returns a fake answering to the given system type.
func New(typ string, opts ...Option) *Executioner {
	e := &Executioner{
		typ:      typ,
		scripts:  make(map[string]Script),
		attempts: make(map[string]int),
		jobs:     make(map[string]*job),
		byTask:   make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetScript sets the behavior for tasks named name.
func (e *Executioner) SetScript(name string, s Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[name] = s
}

func (e *Executioner) Type() string { return e.typ }

func (e *Executioner) Admit(ctx context.Context, t *task.Task) (func(), error) {
	if e.budget == nil {
		return func() {}, nil
	}
	return e.budget.Acquire(ctx, t.Resources.Cpus, t.Resources.Mem)
}

func (e *Executioner) Submit(_ context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", fmt.Errorf("fake executioner closed")
	}
	if pid, ok := e.byTask[t.ID]; ok {
		return pid, nil
	}

	s := e.scripts[t.Name]
	attempt := e.attempts[t.Name]
	e.attempts[t.Name]++
	code := 0
	if n := len(s.ExitCodes); n > 0 {
		code = s.ExitCodes[min(attempt, n-1)]
	}

	e.seq++
	pid := fmt.Sprintf("fake-%d", e.seq)
	j := &job{taskID: t.ID, exitCode: -1}
	e.jobs[pid] = j
	e.byTask[t.ID] = pid
	e.submitted = append(e.submitted, t.ID)
	e.running++
	e.maxRunning = max(e.maxRunning, e.running)

	outputs := append([]string(nil), t.Outputs...)
	finish := func() {
		if code == 0 && !s.NoOutputs {
			writeOutputs(outputs)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if j.done {
			return
		}
		j.done = true
		j.exitCode = code
		e.running--
		if s.Vanish {
			delete(e.jobs, pid)
		}
	}
	j.timer = time.AfterFunc(s.Duration, finish)
	return pid, nil
}

func writeOutputs(paths []string) {
	for _, p := range paths {
		if dir := filepath.Dir(p); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		_ = os.WriteFile(p, []byte("fake output\n"), 0o644)
	}
}

func (e *Executioner) Poll(_ context.Context, pid string) (executioner.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[pid]
	if !ok {
		return executioner.Status{}, executioner.ErrUnknownJob
	}
	if j.done {
		return executioner.Status{Done: true, ExitCode: j.exitCode}, nil
	}
	return executioner.Status{Running: true}, nil
}

func (e *Executioner) Kill(_ context.Context, pid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[pid]
	if !ok {
		return executioner.ErrUnknownJob
	}
	if !j.done && j.timer.Stop() {
		j.done = true
		j.exitCode = 137
		e.running--
	}
	return nil
}

// ParsePidLine accepts lines of the form "job <pid>".
func (e *Executioner) ParsePidLine(line string) string {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "job "); ok {
		return rest
	}
	return ""
}

func (e *Executioner) CanReattach() bool { return e.reattach }

func (e *Executioner) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Preload registers a job as if a previous process had submitted it, so a
// resumed run can reattach to it.
func (e *Executioner) Preload(pid, taskID string, exitCode int, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := &job{taskID: taskID, exitCode: -1}
	e.jobs[pid] = j
	e.byTask[taskID] = pid
	e.running++
	j.timer = time.AfterFunc(after, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !j.done {
			j.done = true
			j.exitCode = exitCode
			e.running--
		}
	})
}

// MaxConcurrent is the largest number of jobs seen running at once.
func (e *Executioner) MaxConcurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRunning
}

// Attempts is how many times tasks named name were submitted.
func (e *Executioner) Attempts(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[name]
}

// Submitted lists submitted task ids in order.
func (e *Executioner) Submitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.submitted...)
}

// Package local runs tasks as processes on this machine, admitting them
// through a cpu and memory budget.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
)

// Type is the `system` value selecting this backend.
const Type = "local"

type job struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

// Executioner runs each task's wrapper script with `sh` in its own process group.
type Executioner struct {
	budget *executioner.Budget

	mu     sync.Mutex
	jobs   map[string]*job
	byTask map[string]string
}

// New returns a local executioner allowed to use cpus and mem at once.
func New(cpus int, mem int64) *Executioner {
	return &Executioner{
		budget: executioner.NewBudget(cpus, mem),
		jobs:   make(map[string]*job),
		byTask: make(map[string]string),
	}
}

func (e *Executioner) Type() string { return Type }

// Budget exposes the admission budget for reporting.
func (e *Executioner) Budget() *executioner.Budget { return e.budget }

// Admit reserves the task's cpus and memory.
func (e *Executioner) Admit(ctx context.Context, t *task.Task) (func(), error) {
	return e.budget.Acquire(ctx, t.Resources.Cpus, t.Resources.Mem)
}

// Submit starts the task. A second call for the same task id returns the
// first call's pid.
func (e *Executioner) Submit(ctx context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pid, ok := e.byTask[t.ID]; ok {
		return pid, nil
	}

	if err := executioner.WriteScript(t); err != nil {
		return "", err
	}
	stdout, err := os.Create(t.StdoutPath())
	if err != nil {
		return "", fmt.Errorf("creating stdout file: %w", err)
	}
	stderr, err := os.Create(t.StderrPath())
	if err != nil {
		stdout.Close()
		return "", fmt.Errorf("creating stderr file: %w", err)
	}

	cmd := exec.Command("sh", t.ScriptPath())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return "", fmt.Errorf("starting task %s: %w", t.ID, err)
	}

	j := &job{cmd: cmd, done: make(chan struct{}), exitCode: -1}
	pid := strconv.Itoa(cmd.Process.Pid)
	e.jobs[pid] = j
	e.byTask[t.ID] = pid

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			j.exitCode = 0
		case errors.As(err, &exitErr):
			j.exitCode = exitErr.ExitCode()
		default:
			j.exitCode = -1
		}
		close(j.done)
	}()

	ctxlog.FromContext(ctx).Debug("Local task started.", "taskID", t.ID, "pid", pid)
	return pid, nil
}

func (e *Executioner) Poll(_ context.Context, pid string) (executioner.Status, error) {
	e.mu.Lock()
	j, ok := e.jobs[pid]
	e.mu.Unlock()
	if !ok {
		return executioner.Status{}, executioner.ErrUnknownJob
	}
	select {
	case <-j.done:
		return executioner.Status{Done: true, ExitCode: j.exitCode}, nil
	default:
		return executioner.Status{Running: true}, nil
	}
}

// Kill terminates the job's whole process group.
func (e *Executioner) Kill(_ context.Context, pid string) error {
	e.mu.Lock()
	j, ok := e.jobs[pid]
	e.mu.Unlock()
	if !ok {
		return executioner.ErrUnknownJob
	}
	select {
	case <-j.done:
		return nil
	default:
	}
	return killProcessGroup(j.cmd)
}

// ParsePidLine returns the trimmed line: a local pid is printed on its own.
func (e *Executioner) ParsePidLine(line string) string {
	return strings.TrimSpace(line)
}

func (e *Executioner) CanReattach() bool { return false }

// Close kills every job still running.
func (e *Executioner) Close(ctx context.Context) error {
	e.mu.Lock()
	pids := make([]string, 0, len(e.jobs))
	for pid := range e.jobs {
		pids = append(pids, pid)
	}
	e.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		if err := e.Kill(ctx, pid); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

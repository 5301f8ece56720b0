// Package cluster submits tasks to a batch queue manager through its command
// line tools (qsub/qstat/qdel style). The commands and the regular expression
// that finds the job id in the submit output are configurable.
//
// Jobs outlive this process, so the backend can reattach after a resume. A
// job that the stat command no longer lists has finished; its exit code is
// read from the file the wrapper script writes. No file means the job
// vanished.
package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
)

// Type is the `system` value selecting this backend.
const Type = "cluster"

// CommandRunner runs one queue manager command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Executioner drives the queue manager.
type Executioner struct {
	cfg     *config.ClusterConfig
	pidRe   *regexp.Regexp
	runner  CommandRunner
	statTTL time.Duration

	mu       sync.Mutex
	exitPath map[string]string
	byTask   map[string]string
	statAt   time.Time
	statOut  map[string]bool
}

// New validates cfg and returns an executioner using runner.
func New(cfg *config.ClusterConfig, runner CommandRunner) (*Executioner, error) {
	if cfg == nil {
		cfg = config.DefaultCluster()
	}
	if len(cfg.Submit) == 0 || len(cfg.Stat) == 0 || len(cfg.Kill) == 0 {
		return nil, errors.New("cluster executioner needs submit, stat and kill commands")
	}
	re, err := regexp.Compile(cfg.PidRegex)
	if err != nil {
		return nil, fmt.Errorf("invalid pid_regex: %w", err)
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Executioner{
		cfg:      cfg,
		pidRe:    re,
		runner:   runner,
		statTTL:  time.Second,
		exitPath: make(map[string]string),
		byTask:   make(map[string]string),
	}, nil
}

func (e *Executioner) Type() string { return Type }

func pidFile(t *task.Task) string { return filepath.Join(t.Dir, t.ID+".pid") }

// Submit queues the task. The job id is also written next to the task files,
// so a resumed process that submits the same task id gets the existing job.
func (e *Executioner) Submit(ctx context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	if pid, ok := e.byTask[t.ID]; ok {
		e.mu.Unlock()
		return pid, nil
	}
	e.mu.Unlock()

	if b, err := os.ReadFile(pidFile(t)); err == nil {
		if pid := strings.TrimSpace(string(b)); pid != "" {
			e.Adopt(t)
			return pid, nil
		}
	}

	if err := executioner.WriteScript(t); err != nil {
		return "", err
	}
	args := append(append([]string(nil), e.cfg.Submit[1:]...), e.expand(t)...)
	out, err := e.runner.Run(ctx, e.cfg.Submit[0], args...)
	if err != nil {
		return "", fmt.Errorf("submitting task %s: %w", t.ID, err)
	}

	var pid string
	for _, line := range strings.Split(out, "\n") {
		if pid = e.ParsePidLine(line); pid != "" {
			break
		}
	}
	if pid == "" {
		return "", fmt.Errorf("no job id in submit output %q", strings.TrimSpace(out))
	}
	if err := os.WriteFile(pidFile(t), []byte(pid+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing pid file: %w", err)
	}

	e.mu.Lock()
	e.byTask[t.ID] = pid
	e.exitPath[pid] = t.ExitCodePath()
	e.statAt = time.Time{}
	e.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Cluster job queued.", "taskID", t.ID, "pid", pid)
	return pid, nil
}

// Adopt records a job submitted by an earlier process.
func (e *Executioner) Adopt(t *task.Task) {
	pid := t.Pid()
	if pid == "" {
		if b, err := os.ReadFile(pidFile(t)); err == nil {
			pid = strings.TrimSpace(string(b))
		}
	}
	if pid == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTask[t.ID] = pid
	e.exitPath[pid] = t.ExitCodePath()
}

// expand substitutes task values into the submit arguments.
func (e *Executioner) expand(t *task.Task) []string {
	mem := ""
	if t.Resources.Mem > 0 {
		mem = strconv.FormatInt(t.Resources.Mem, 10)
	}
	r := strings.NewReplacer(
		"{name}", t.Name,
		"{id}", t.ID,
		"{cpus}", strconv.Itoa(max(t.Resources.Cpus, 1)),
		"{mem}", mem,
		"{queue}", t.Resources.Queue,
		"{node}", t.Resources.Node,
		"{timeout}", strconv.FormatInt(t.Resources.Timeout, 10),
		"{stdout}", t.StdoutPath(),
		"{stderr}", t.StderrPath(),
		"{script}", t.ScriptPath(),
	)
	var out []string
	for _, a := range e.cfg.SubmitArgs {
		v := r.Replace(a)
		if v == "" && a != "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// listed runs the stat command at most once per statTTL and reports whether
// pid appears in its output.
func (e *Executioner) listed(ctx context.Context, pid string) (bool, error) {
	e.mu.Lock()
	fresh := time.Since(e.statAt) < e.statTTL
	if fresh {
		ok := e.statOut[pid]
		e.mu.Unlock()
		return ok, nil
	}
	e.mu.Unlock()

	out, err := e.runner.Run(ctx, e.cfg.Stat[0], e.cfg.Stat[1:]...)
	if err != nil {
		return false, err
	}
	ids := make(map[string]bool)
	for _, f := range strings.Fields(out) {
		ids[f] = true
	}
	e.mu.Lock()
	e.statOut = ids
	e.statAt = time.Now()
	e.mu.Unlock()
	return ids[pid], nil
}

func (e *Executioner) Poll(ctx context.Context, pid string) (executioner.Status, error) {
	e.mu.Lock()
	path, known := e.exitPath[pid]
	e.mu.Unlock()
	if !known {
		return executioner.Status{}, executioner.ErrUnknownJob
	}

	listed, err := e.listed(ctx, pid)
	if err != nil {
		return executioner.Status{}, err
	}
	if listed {
		return executioner.Status{Running: true}, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return executioner.Status{}, fmt.Errorf("job %s left the queue without an exit code: %w", pid, executioner.ErrUnknownJob)
		}
		return executioner.Status{}, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return executioner.Status{}, fmt.Errorf("parsing exit code of job %s: %w", pid, err)
	}
	return executioner.Status{Done: true, ExitCode: code}, nil
}

func (e *Executioner) Kill(ctx context.Context, pid string) error {
	args := append(append([]string(nil), e.cfg.Kill[1:]...), pid)
	_, err := e.runner.Run(ctx, e.cfg.Kill[0], args...)
	e.mu.Lock()
	e.statAt = time.Time{}
	e.mu.Unlock()
	return err
}

// ParsePidLine applies pid_regex. The first capture group is the id when the
// expression has one, otherwise the whole match.
func (e *Executioner) ParsePidLine(line string) string {
	m := e.pidRe.FindStringSubmatch(strings.TrimSpace(line))
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}

func (e *Executioner) CanReattach() bool { return true }

// Close leaves queued jobs alone: they belong to the queue manager and a
// later resume can reattach to them.
func (e *Executioner) Close(context.Context) error { return nil }

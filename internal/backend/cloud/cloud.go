// Package cloud submits tasks to an HTTP job API:
//
//	POST   /jobs        submit (Idempotency-Key header derived from the task id)
//	GET    /jobs/{id}   status, exit code and captured output once finished
//	DELETE /jobs/{id}   cancel
//
// Jobs run remotely and survive this process, so the backend can reattach.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"resty.dev/v3"
)

// Type is the `system` value selecting this backend.
const Type = "cloud"

// Job states reported by the API.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateDone    = "done"
)

// keySpace namespaces the idempotency keys derived from task ids.
var keySpace = uuid.MustParse("6f1c7a3e-8d0b-4c1e-9a53-2b7f0e4d9c11")

// JobRequest is the submission body.
type JobRequest struct {
	TaskID  string `json:"taskId"`
	Name    string `json:"name"`
	Script  string `json:"script"`
	Cpus    int    `json:"cpus"`
	Mem     int64  `json:"mem,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Timeout int64  `json:"timeout,omitempty"`
}

// Job is the API's view of a job.
type Job struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

type files struct {
	stdout, stderr, exitCode string
}

// Executioner talks to the job API.
type Executioner struct {
	client *resty.Client

	mu     sync.Mutex
	byTask map[string]string
	files  map[string]files
}

// New returns an executioner for the API at cfg.Endpoint.
func New(cfg *config.CloudConfig) (*Executioner, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.New("cloud executioner needs an endpoint")
	}
	timeout := 30 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Executioner{client: c, byTask: make(map[string]string), files: make(map[string]files)}, nil
}

func (e *Executioner) Type() string { return Type }

// IdempotencyKey is stable for a task id.
func IdempotencyKey(taskID string) string {
	return uuid.NewSHA1(keySpace, []byte(taskID)).String()
}

func (e *Executioner) remember(t *task.Task, pid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byTask[t.ID] = pid
	e.files[pid] = files{stdout: t.StdoutPath(), stderr: t.StderrPath(), exitCode: t.ExitCodePath()}
}

func (e *Executioner) Submit(ctx context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	if pid, ok := e.byTask[t.ID]; ok {
		e.mu.Unlock()
		return pid, nil
	}
	e.mu.Unlock()

	if err := executioner.WriteScript(t); err != nil {
		return "", err
	}
	body := JobRequest{
		TaskID:  t.ID,
		Name:    t.Name,
		Script:  t.Program,
		Cpus:    max(t.Resources.Cpus, 1),
		Queue:   t.Resources.Queue,
		Timeout: t.Resources.Timeout,
	}
	if t.Resources.Mem > 0 {
		body.Mem = t.Resources.Mem
	}

	var job Job
	var apiErr apiError
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", IdempotencyKey(t.ID)).
		SetBody(body).
		SetResult(&job).
		SetError(&apiErr).
		Post("/jobs")
	if err != nil {
		return "", fmt.Errorf("submitting task %s: %w", t.ID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submitting task %s: %d %s", t.ID, resp.StatusCode(), apiErr.Message)
	}
	if job.ID == "" {
		return "", fmt.Errorf("submitting task %s: response carries no job id", t.ID)
	}
	e.remember(t, job.ID)
	ctxlog.FromContext(ctx).Debug("Cloud job submitted.", "taskID", t.ID, "pid", job.ID)
	return job.ID, nil
}

// Adopt records a job submitted by an earlier process.
func (e *Executioner) Adopt(t *task.Task) {
	if pid := t.Pid(); pid != "" {
		e.remember(t, pid)
	}
}

func (e *Executioner) Poll(ctx context.Context, pid string) (executioner.Status, error) {
	var job Job
	var apiErr apiError
	resp, err := e.client.R().
		SetContext(ctx).
		SetPathParam("id", pid).
		SetResult(&job).
		SetError(&apiErr).
		Get("/jobs/{id}")
	if err != nil {
		return executioner.Status{}, err
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return executioner.Status{}, fmt.Errorf("job %s: %w", pid, executioner.ErrUnknownJob)
	case resp.IsError():
		return executioner.Status{}, fmt.Errorf("polling job %s: %d %s", pid, resp.StatusCode(), apiErr.Message)
	}

	switch job.State {
	case StateQueued:
		return executioner.Status{}, nil
	case StateRunning:
		return executioner.Status{Running: true}, nil
	case StateDone:
		e.saveOutput(pid, job)
		return executioner.Status{Done: true, ExitCode: job.ExitCode}, nil
	default:
		return executioner.Status{}, fmt.Errorf("job %s: unknown state %q", pid, job.State)
	}
}

func (e *Executioner) saveOutput(pid string, job Job) {
	e.mu.Lock()
	f, ok := e.files[pid]
	e.mu.Unlock()
	if !ok {
		return
	}
	_ = os.WriteFile(f.stdout, []byte(job.Stdout), 0o644)
	_ = os.WriteFile(f.stderr, []byte(job.Stderr), 0o644)
	_ = os.WriteFile(f.exitCode, []byte(fmt.Sprintf("%d\n", job.ExitCode)), 0o644)
}

func (e *Executioner) Kill(ctx context.Context, pid string) error {
	resp, err := e.client.R().
		SetContext(ctx).
		SetPathParam("id", pid).
		Delete("/jobs/{id}")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return executioner.ErrUnknownJob
	}
	if resp.IsError() {
		return fmt.Errorf("cancelling job %s: %d", pid, resp.StatusCode())
	}
	return nil
}

// ParsePidLine accepts the job ids the API hands out, which are UUIDs.
func (e *Executioner) ParsePidLine(line string) string {
	id, err := uuid.Parse(strings.TrimSpace(line))
	if err != nil {
		return ""
	}
	return id.String()
}

func (e *Executioner) CanReattach() bool { return true }

func (e *Executioner) Close(context.Context) error {
	return e.client.Close()
}

// Package ssh runs tasks on remote hosts over SSH. Each host has its own
// resource budget; the wrapper script is streamed to `sh -s` on the remote
// side and the job's output is copied into the local task files.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Type is the `system` value selecting this backend.
const Type = "ssh"

// DialFunc opens a client connection. Tests replace it.
type DialFunc func(network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

type host struct {
	cfg    *config.SSHHost
	budget *executioner.Budget

	mu     sync.Mutex
	client *ssh.Client
}

type job struct {
	host     *host
	session  *ssh.Session
	done     chan struct{}
	exitCode int
}

// Executioner distributes tasks over the configured hosts.
type Executioner struct {
	hosts []*host
	dial  DialFunc

	mu       sync.Mutex
	next     int
	assigned map[string]*host
	jobs     map[string]*job
	byTask   map[string]string
	seq      int
}

// New returns an executioner for the hosts in cfg.
func New(cfg *config.SSHConfig) (*Executioner, error) {
	if cfg == nil || len(cfg.Hosts) == 0 {
		return nil, errors.New("ssh executioner needs at least one host")
	}
	e := &Executioner{
		dial:     ssh.Dial,
		assigned: make(map[string]*host),
		jobs:     make(map[string]*job),
		byTask:   make(map[string]string),
	}
	for _, h := range cfg.Hosts {
		cpus := h.Cpus
		if cpus <= 0 {
			cpus = 1
		}
		e.hosts = append(e.hosts, &host{cfg: h, budget: executioner.NewBudget(cpus, h.Mem)})
	}
	return e, nil
}

// SetDialer replaces ssh.Dial.
func (e *Executioner) SetDialer(d DialFunc) { e.dial = d }

func (e *Executioner) Type() string { return Type }

// Admit picks a host with room for the task, preferring hosts in round-robin
// order, and blocks on the first host big enough when all are busy.
func (e *Executioner) Admit(ctx context.Context, t *task.Task) (func(), error) {
	e.mu.Lock()
	start := e.next
	e.next++
	e.mu.Unlock()

	var fallback *host
	for i := range e.hosts {
		h := e.hosts[(start+i)%len(e.hosts)]
		release, ok, err := h.budget.TryAcquire(t.Resources.Cpus, t.Resources.Mem)
		if err != nil {
			continue
		}
		if fallback == nil {
			fallback = h
		}
		if ok {
			e.assign(t.ID, h)
			return release, nil
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: no ssh host can run task %s", executioner.ErrNeverFits, t.ID)
	}
	release, err := fallback.budget.Acquire(ctx, t.Resources.Cpus, t.Resources.Mem)
	if err != nil {
		return nil, err
	}
	e.assign(t.ID, fallback)
	return release, nil
}

func (e *Executioner) assign(taskID string, h *host) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assigned[taskID] = h
}

// HostFor returns the host chosen for a task, for reporting.
func (e *Executioner) HostFor(taskID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.assigned[taskID]; ok {
		return h.cfg.Name
	}
	return ""
}

func (h *host) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if h.cfg.KeyFile != "" {
		key, err := os.ReadFile(h.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if h.cfg.Password != "" {
		auth = append(auth, ssh.Password(h.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("host %s has neither key_file nor password", h.cfg.Name)
	}

	user := h.cfg.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	if h.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(h.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	}
	return cfg, nil
}

func (h *host) connect(dial DialFunc) (*ssh.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		return h.client, nil
	}
	cfg, err := h.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := h.cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	client, err := dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", h.cfg.Name, err)
	}
	h.client = client
	return client, nil
}

func (h *host) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil {
		return nil
	}
	err := h.client.Close()
	h.client = nil
	return err
}

// Submit streams the wrapper script to the assigned host.
func (e *Executioner) Submit(ctx context.Context, t *task.Task) (string, error) {
	e.mu.Lock()
	if pid, ok := e.byTask[t.ID]; ok {
		e.mu.Unlock()
		return pid, nil
	}
	h, ok := e.assigned[t.ID]
	if !ok {
		h = e.hosts[0]
	}
	e.mu.Unlock()

	client, err := h.connect(e.dial)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		_ = h.close()
		return "", fmt.Errorf("opening session on %s: %w", h.cfg.Name, err)
	}

	if err := executioner.WriteScript(t); err != nil {
		session.Close()
		return "", err
	}
	stdout, err := os.Create(t.StdoutPath())
	if err != nil {
		session.Close()
		return "", err
	}
	stderr, err := os.Create(t.StderrPath())
	if err != nil {
		stdout.Close()
		session.Close()
		return "", err
	}
	session.Stdout = stdout
	session.Stderr = stderr
	// The remote side runs the bare program; the exit code file is written
	// locally from the session's exit status.
	session.Stdin = strings.NewReader(remoteScript(t))
	if err := session.Start("sh -s"); err != nil {
		stdout.Close()
		stderr.Close()
		session.Close()
		return "", fmt.Errorf("starting task %s on %s: %w", t.ID, h.cfg.Name, err)
	}

	e.mu.Lock()
	e.seq++
	pid := fmt.Sprintf("%s:%d", h.cfg.Name, e.seq)
	j := &job{host: h, session: session, done: make(chan struct{}), exitCode: -1}
	e.jobs[pid] = j
	e.byTask[t.ID] = pid
	e.mu.Unlock()

	exitPath := t.ExitCodePath()
	logger := ctxlog.FromContext(ctx).With("taskID", t.ID, "host", h.cfg.Name, "pid", pid)
	go func() {
		err := session.Wait()
		stdout.Close()
		stderr.Close()
		session.Close()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			j.exitCode = 0
		case errors.As(err, &exitErr):
			j.exitCode = exitErr.ExitStatus()
		default:
			j.exitCode = -1
		}
		if err := os.WriteFile(exitPath, []byte(fmt.Sprintf("%d\n", j.exitCode)), 0o644); err != nil {
			logger.Warn("Writing exit code file failed.", "path", exitPath, "error", err)
		}
		close(j.done)
	}()

	logger.Debug("Remote task started.")
	return pid, nil
}

// remoteScript is the wrapper without the local exit code bookkeeping.
func remoteScript(t *task.Task) string {
	var sb strings.Builder
	sb.WriteString(t.Program)
	if !strings.HasSuffix(t.Program, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
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

func (e *Executioner) Kill(ctx context.Context, pid string) error {
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
	if err := j.session.Signal(ssh.SIGKILL); err != nil {
		ctxlog.FromContext(ctx).Warn("Signalling remote task failed, closing its session.", "pid", pid, "error", err)
	}
	return j.session.Close()
}

// ParsePidLine accepts "host:seq" job ids.
func (e *Executioner) ParsePidLine(line string) string {
	line = strings.TrimSpace(line)
	if name, _, ok := strings.Cut(line, ":"); ok && name != "" {
		return line
	}
	return ""
}

// CanReattach is false: a session dies with the process that opened it.
func (e *Executioner) CanReattach() bool { return false }

// Close kills running jobs and closes every host connection.
func (e *Executioner) Close(ctx context.Context) error {
	e.mu.Lock()
	pids := make([]string, 0, len(e.jobs))
	for pid := range e.jobs {
		pids = append(pids, pid)
	}
	e.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		_ = e.Kill(ctx, pid)
	}
	for _, h := range e.hosts {
		if err := h.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

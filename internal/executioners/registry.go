package executioners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"golang.org/x/sync/errgroup"
)

// Registry memoizes one executioner per backend type.
type Registry struct {
	monitor *executioner.Monitor

	mu        sync.Mutex
	factories map[string]executioner.Factory
	instances map[string]executioner.Executioner
	admitting map[string]context.CancelFunc
	killed    map[string]bool
	replaced  []executioner.Executioner
	closed    bool
}

// New returns an empty registry whose monitor polls at interval.
func New(interval time.Duration) *Registry {
	return &Registry{
		monitor:   executioner.NewMonitor(interval),
		factories: make(map[string]executioner.Factory),
		instances: make(map[string]executioner.Executioner),
		admitting: make(map[string]context.CancelFunc),
		killed:    make(map[string]bool),
	}
}

// Register adds a factory for system. Registering a system twice panics.
func (r *Registry) Register(system string, f executioner.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[system]; exists {
		panic(fmt.Sprintf("executioner for system '%s' already registered", system))
	}
	slog.Debug("Registering executioner.", "system", system)
	r.factories[system] = f
}

// Use installs an already built executioner under its own type, replacing
// the factory registered for that type. An instance of the replaced factory
// that was already built is kept and closed at Shutdown.
func (r *Registry) Use(ex executioner.Executioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	system := ex.Type()
	if _, exists := r.factories[system]; exists {
		slog.Debug("Replacing executioner.", "system", system)
	}
	r.factories[system] = func(context.Context) (executioner.Executioner, error) { return ex, nil }
	if old, ok := r.instances[system]; ok && old != ex {
		r.replaced = append(r.replaced, old)
	}
	delete(r.instances, system)
}

// Get returns the executioner for system, building it on first use.
func (r *Registry) Get(ctx context.Context, system string) (executioner.Executioner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("executioners registry is shut down")
	}
	if ex, ok := r.instances[system]; ok {
		return ex, nil
	}
	f, ok := r.factories[system]
	if !ok {
		return nil, &executioner.UnknownSystemError{System: system}
	}
	ex, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating %s executioner: %w", system, err)
	}
	ctxlog.FromContext(ctx).Debug("Executioner created.", "system", system)
	r.instances[system] = ex
	return ex, nil
}

// Launch admits, submits and monitors t.
func (r *Registry) Launch(ctx context.Context, t *task.Task, started func(), finished func(int, task.FailReason)) {
	logger := ctxlog.FromContext(ctx).With("taskID", t.ID, "system", t.Resources.System)
	fail := func(reason task.FailReason, err error) {
		logger.Warn("Task not submitted.", "reason", reason, "error", err)
		finished(-1, reason)
	}

	ex, err := r.Get(ctx, t.Resources.System)
	if err != nil {
		fail(task.ReasonSubmitError, err)
		return
	}

	actx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.killed[t.ID] {
		r.mu.Unlock()
		cancel()
		fail(task.ReasonKilled, errors.New("killed before submission"))
		return
	}
	r.admitting[t.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.admitting, t.ID)
		r.mu.Unlock()
		cancel()
	}()

	release := func() {}
	if a, ok := ex.(executioner.Admitter); ok {
		release, err = a.Admit(actx, t)
		if err != nil {
			reason := task.ReasonSubmitError
			if r.wasKilled(t.ID) {
				reason = task.ReasonKilled
			}
			fail(reason, err)
			return
		}
	}

	pid, err := ex.Submit(ctx, t)
	if err != nil {
		release()
		fail(task.ReasonSubmitError, err)
		return
	}
	t.Submitted(pid)
	logger.Debug("Task submitted.", "pid", pid)

	r.monitor.Watch(ctx, ex, t, pid, executioner.Callbacks{
		Running: started,
		Done: func(rep executioner.Report) {
			release()
			finished(rep.ExitCode, rep.Reason)
		},
	})
	// A kill that arrived while the job was being submitted.
	if r.wasKilled(t.ID) {
		r.monitor.Cancel(t.ID)
	}
}

// Reattach resumes monitoring a job submitted before a checkpoint.
func (r *Registry) Reattach(ctx context.Context, t *task.Task, started func(), finished func(int, task.FailReason)) error {
	ex, err := r.Get(ctx, t.Resources.System)
	if err != nil {
		return err
	}
	if !ex.CanReattach() {
		return executioner.ErrNoReattach
	}
	if a, ok := ex.(executioner.Adopter); ok {
		a.Adopt(t)
	}
	if _, err := ex.Poll(ctx, t.Pid()); err != nil {
		return fmt.Errorf("polling %s: %w", t.Pid(), err)
	}
	r.monitor.Watch(ctx, ex, t, t.Pid(), executioner.Callbacks{
		Running: started,
		Done:    func(rep executioner.Report) { finished(rep.ExitCode, rep.Reason) },
	})
	return nil
}

// Kill stops t wherever it is: waiting for admission or watched by the monitor.
func (r *Registry) Kill(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	r.killed[t.ID] = true
	cancel, admitting := r.admitting[t.ID]
	r.mu.Unlock()
	if admitting {
		cancel()
		return nil
	}
	r.monitor.Cancel(t.ID)
	return nil
}

func (r *Registry) wasKilled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killed[id]
}

// Shutdown kills everything still running and closes every backend in
// parallel.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, cancel := range r.admitting {
		r.killed[id] = true
		cancel()
	}
	instances := append([]executioner.Executioner(nil), r.replaced...)
	for _, ex := range r.instances {
		instances = append(instances, ex)
	}
	r.mu.Unlock()

	r.monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range instances {
		g.Go(func() error {
			if err := ex.Close(gctx); err != nil {
				return fmt.Errorf("closing %s executioner: %w", ex.Type(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	ctxlog.FromContext(ctx).Debug("Executioners shut down.", "count", len(instances), "error", err)
	return err
}

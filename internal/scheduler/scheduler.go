package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/dag"
	"github.com/specialistvlad/bdsgo/internal/task"
)

// ErrUnresolvedGoal is returned for a goal path that no task produces and
// that does not exist on disk.
var ErrUnresolvedGoal = errors.New("unresolved goal")

// Launcher runs tasks on a backend. Launch must call finished exactly once;
// started is called at most once, before finished.
type Launcher interface {
	Launch(ctx context.Context, t *task.Task, started func(), finished func(exitCode int, reason task.FailReason))
	Reattach(ctx context.Context, t *task.Task, started func(), finished func(exitCode int, reason task.FailReason)) error
	Kill(ctx context.Context, t *task.Task) error
}

// Scheduler is the task dependency graph and dispatcher.
type Scheduler struct {
	launcher Launcher
	logger   *slog.Logger

	mu         sync.Mutex
	tasks      map[string]*task.Task
	order      []string
	producers  map[string]string
	replacedBy map[string]string
	changed    chan struct{}
	stopping   bool

	wake    chan struct{}
	stop    chan struct{}
	running bool
	loop    *conc.WaitGroup
	work    *conc.WaitGroup
}

// New returns a scheduler dispatching through launcher.
func New(launcher Launcher) *Scheduler {
	return &Scheduler{
		launcher:   launcher,
		logger:     slog.Default(),
		tasks:      make(map[string]*task.Task),
		producers:  make(map[string]string),
		replacedBy: make(map[string]string),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		loop:       conc.NewWaitGroup(),
		work:       conc.NewWaitGroup(),
	}
}

// Start runs the scheduling loop until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.logger = ctxlog.FromContext(ctx)
	s.mu.Unlock()

	s.logger.Debug("Scheduler started.")
	s.loop.Go(func() {
		for {
			s.schedule(ctx)
			select {
			case <-s.wake:
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	})
	s.notify()
}

// Stop ends the scheduling loop and waits for in-flight launches.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	s.loop.Wait()
	s.work.Wait()
	s.logger.Debug("Scheduler stopped.")
}

// notify wakes the loop and every waiter. Callers must not hold s.mu.
func (s *Scheduler) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Add registers t. Regular tasks start waiting for their dependencies at
// once; deferred tasks stay NEW until a goal activates them.
func (s *Scheduler) Add(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	if _, dup := s.tasks[t.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("task %s already registered", t.ID)
	}
	for _, id := range t.After {
		if _, ok := s.tasks[s.resolveLocked(id)]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("task %s depends on unknown task %s", t.ID, id)
		}
	}
	if err := s.checkCycleLocked(t); err != nil {
		s.mu.Unlock()
		return err
	}
	s.registerLocked(t)
	s.mu.Unlock()

	if !t.Deferred {
		if err := t.Transition(task.WaitingDependencies); err != nil {
			return err
		}
	}
	ctxlog.FromContext(ctx).Debug("Task added.", "taskID", t.ID, "name", t.Name, "deferred", t.Deferred, "outputs", t.Outputs)
	s.notify()
	return nil
}

func (s *Scheduler) registerLocked(t *task.Task) {
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	for _, out := range t.Outputs {
		s.producers[out] = t.ID
	}
}

// resolveLocked follows the replaced-by chain to the newest instance.
func (s *Scheduler) resolveLocked(id string) string {
	for {
		next, ok := s.replacedBy[id]
		if !ok {
			return id
		}
		id = next
	}
}

// depsLocked returns the current ids t depends on.
func (s *Scheduler) depsLocked(t *task.Task) []string {
	seen := make(map[string]bool)
	var deps []string
	add := func(id string) {
		if id == "" || id == t.ID || seen[id] {
			return
		}
		seen[id] = true
		deps = append(deps, id)
	}
	for _, in := range t.Inputs {
		if p, ok := s.producers[in]; ok {
			add(p)
		}
	}
	for _, id := range t.After {
		add(s.resolveLocked(id))
	}
	return deps
}

// graphLocked builds the dependency graph reachable from the roots.
func (s *Scheduler) graphLocked(roots []*task.Task) (*dag.Graph, []string, error) {
	g := dag.New()
	var ids []string
	visited := make(map[string]bool)
	lookup := func(id string) *task.Task {
		if t, ok := s.tasks[id]; ok {
			return t
		}
		for _, r := range roots {
			if r.ID == id {
				return r
			}
		}
		return nil
	}
	var edges [][2]string

	queue := append([]*task.Task(nil), roots...)
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if visited[t.ID] {
			continue
		}
		visited[t.ID] = true
		ids = append(ids, t.ID)
		g.Add(t.ID)

		for _, in := range t.Inputs {
			for _, out := range t.Outputs {
				if in == out {
					return nil, nil, &dag.CycleError{Path: []string{t.ID, t.ID}}
				}
			}
		}
		for _, depID := range s.depsLocked(t) {
			dep := lookup(depID)
			if dep == nil {
				continue
			}
			edges = append(edges, [2]string{depID, t.ID})
			queue = append(queue, dep)
		}
	}
	for _, e := range edges {
		if err := g.Need(e[1], e[0]); err != nil {
			return nil, nil, err
		}
	}
	if err := g.Cycle(); err != nil {
		return nil, nil, err
	}
	return g, ids, nil
}

// checkCycleLocked validates that adding t keeps the graph of every
// registered task acyclic, finished ones included, so the outcome does not
// depend on how far earlier tasks have got. Instances superseded by a retry
// are left out. The candidate's outputs are indexed temporarily so tasks that
// read them see t as their producer.
func (s *Scheduler) checkCycleLocked(t *task.Task) error {
	saved := make(map[string]string)
	for _, out := range t.Outputs {
		if prev, ok := s.producers[out]; ok {
			saved[out] = prev
		}
		s.producers[out] = t.ID
	}
	defer func() {
		for _, out := range t.Outputs {
			if prev, ok := saved[out]; ok {
				s.producers[out] = prev
			} else {
				delete(s.producers, out)
			}
		}
	}()

	roots := []*task.Task{t}
	for _, id := range s.order {
		if _, superseded := s.replacedBy[id]; !superseded {
			roots = append(roots, s.tasks[id])
		}
	}
	_, _, err := s.graphLocked(roots)
	return err
}

// Goal resolves output paths (or task ids) to the set of tasks that must run
// to produce them and activates the deferred ones. Nothing is activated when
// the graph has a cycle.
func (s *Scheduler) Goal(ctx context.Context, paths []string) ([]string, error) {
	s.mu.Lock()
	var roots []*task.Task
	for _, p := range paths {
		if t, ok := s.tasks[s.resolveLocked(p)]; ok {
			roots = append(roots, t)
			continue
		}
		if id, ok := s.producers[p]; ok {
			roots = append(roots, s.tasks[id])
			continue
		}
		if _, err := os.Stat(p); err == nil {
			continue
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no task produces %q and the file does not exist", ErrUnresolvedGoal, p)
	}

	g, ids, err := s.graphLocked(roots)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("goal %v: %w", paths, err)
	}
	order, err := g.Order()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var activate []*task.Task
	for _, id := range order {
		if t := s.tasks[id]; t != nil && t.State() == task.StateNew {
			activate = append(activate, t)
		}
	}
	s.mu.Unlock()

	for _, t := range activate {
		if err := t.Transition(task.WaitingDependencies); err != nil {
			return nil, err
		}
	}
	ctxlog.FromContext(ctx).Debug("Goal resolved.", "paths", paths, "tasks", len(ids), "activated", len(activate))
	s.notify()
	return order, nil
}

// PendingOutput reports whether path is produced by a task that has not
// finished yet.
func (s *Scheduler) PendingOutput(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.producers[path]
	if !ok {
		return false
	}
	return !s.tasks[id].State().IsTerminal()
}

// schedule moves waiting tasks whose dependencies are satisfied to READY and
// launches them, and fails those whose dependencies failed for good.
func (s *Scheduler) schedule(ctx context.Context) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	var ready []*task.Task
	var failed []*task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.State() != task.WaitingDependencies {
			continue
		}
		ok, broken := true, false
		for _, depID := range s.depsLocked(t) {
			dep := s.tasks[depID]
			switch dep.State() {
			case task.DoneOK:
			case task.DoneFailed:
				if _, retrying := s.replacedBy[depID]; !retrying {
					broken = true
				}
				ok = false
			default:
				ok = false
			}
		}
		switch {
		case broken:
			failed = append(failed, t)
		case ok:
			if err := t.Transition(task.Ready); err != nil {
				s.logger.Error("Cannot mark task ready.", "taskID", t.ID, "error", err)
				continue
			}
			ready = append(ready, t)
		}
	}
	s.mu.Unlock()

	for _, t := range failed {
		s.logger.Info("Task dependency failed.", "taskID", t.ID, "name", t.Name)
		if err := t.Finish(-1, task.ReasonDependencyFailed); err != nil {
			s.logger.Error("Cannot fail task.", "taskID", t.ID, "error", err)
		}
	}
	for _, t := range ready {
		s.launch(ctx, t)
	}
	if len(failed) > 0 {
		s.notify()
	}
}

func (s *Scheduler) launch(ctx context.Context, t *task.Task) {
	s.logger.Debug("Launching task.", "taskID", t.ID, "system", t.Resources.System)
	s.work.Go(func() {
		s.launcher.Launch(ctx, t, s.startedFunc(t), s.finishedFunc(ctx, t))
	})
}

func (s *Scheduler) startedFunc(t *task.Task) func() {
	return func() {
		if err := t.Transition(task.Running); err != nil {
			s.logger.Error("Cannot mark task running.", "taskID", t.ID, "error", err)
		}
		s.notify()
	}
}

func (s *Scheduler) finishedFunc(ctx context.Context, t *task.Task) func(int, task.FailReason) {
	return func(exitCode int, reason task.FailReason) {
		s.finish(ctx, t, exitCode, reason)
	}
}

func (s *Scheduler) finish(ctx context.Context, t *task.Task, exitCode int, reason task.FailReason) {
	logger := ctxlog.FromContext(ctx).With("taskID", t.ID, "name", t.Name)
	if reason == task.ReasonNone && exitCode != 0 {
		reason = task.ReasonExitCode
	}
	if reason == task.ReasonNone {
		reason = checkOutputs(t)
	}
	s.mu.Lock()
	// A job may end before anyone saw it running.
	if t.State() == task.Ready && reason != task.ReasonSubmitError && reason != task.ReasonKilled {
		_ = t.Transition(task.Running)
	}
	if err := t.Finish(exitCode, reason); err != nil {
		s.mu.Unlock()
		logger.Error("Cannot finish task.", "error", err)
		s.notify()
		return
	}

	// The retry is registered before the lock is released, so the loop never
	// sees the failed attempt without its replacement.
	var next *task.Task
	if reason != task.ReasonNone && !s.stopping && reason != task.ReasonKilled && t.CanRetry() {
		next = t.Retry(retryID(t.ID, t.RetryCount()+1))
		s.registerLocked(next)
		s.replacedBy[t.ID] = next.ID
		t.SetReplacedBy(next.ID)
		if err := next.Transition(task.WaitingDependencies); err != nil {
			logger.Error("Cannot queue retry.", "error", err)
		}
	}
	s.mu.Unlock()

	switch {
	case reason == task.ReasonNone:
		logger.Debug("Task finished.", "state", task.DoneOK)
	case next != nil:
		logger.Info("Task failed, retrying.", "exitCode", exitCode, "reason", reason, "newTaskID", next.ID, "attempt", next.RetryCount()+1)
	default:
		logger.Info("Task failed.", "exitCode", exitCode, "reason", reason, "retries", t.RetryCount())
	}
	s.notify()
}

// checkOutputs fails a task whose declared outputs are missing, or empty when
// empty outputs are not allowed.
func checkOutputs(t *task.Task) task.FailReason {
	for _, out := range t.Outputs {
		fi, err := os.Stat(out)
		if err != nil || (fi.Size() == 0 && !t.AllowEmpty) {
			return task.ReasonMissingOutput
		}
	}
	return task.ReasonNone
}

func retryID(id string, n int) string {
	base, _, _ := strings.Cut(id, ".retry")
	return fmt.Sprintf("%s.retry%d", base, n)
}

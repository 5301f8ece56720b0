package scheduler

import (
	"context"
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/task"
)

// Wait blocks until every task in ids (followed through retries) is terminal.
// It reports whether all of them ended DONE_OK or failed with canFail.
// Deferred tasks named here are activated first.
func (s *Scheduler) Wait(ctx context.Context, ids []string) (bool, error) {
	var deferred []string
	s.mu.Lock()
	for _, id := range ids {
		t, ok := s.tasks[s.resolveLocked(id)]
		if !ok {
			s.mu.Unlock()
			return false, fmt.Errorf("wait: unknown task %q", id)
		}
		if t.State() == task.StateNew {
			deferred = append(deferred, t.ID)
		}
	}
	s.mu.Unlock()
	if len(deferred) > 0 {
		if _, err := s.Goal(ctx, deferred); err != nil {
			return false, err
		}
	}
	return s.waitFor(ctx, func() []string { return ids })
}

// WaitAll blocks until every activated task is terminal. Deferred tasks no
// goal asked for are ignored.
func (s *Scheduler) WaitAll(ctx context.Context) (bool, error) {
	return s.waitFor(ctx, func() []string {
		var ids []string
		for _, id := range s.order {
			if _, replaced := s.replacedBy[id]; replaced {
				continue
			}
			if s.tasks[id].State() != task.StateNew {
				ids = append(ids, id)
			}
		}
		return ids
	})
}

// waitFor re-evaluates ids (under the lock) after every change.
func (s *Scheduler) waitFor(ctx context.Context, ids func() []string) (bool, error) {
	logger := ctxlog.FromContext(ctx)
	for {
		s.mu.Lock()
		done, ok := true, true
		for _, id := range ids() {
			t := s.tasks[s.resolveLocked(id)]
			if !t.State().IsTerminal() {
				done = false
				break
			}
			ok = ok && t.IsOK()
		}
		changed := s.changed
		s.mu.Unlock()

		if done {
			logger.Debug("Wait finished.", "ok", ok)
			return ok, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Task returns the task registered under id.
func (s *Scheduler) Task(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Current returns the newest instance of id, following retries.
func (s *Scheduler) Current(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[s.resolveLocked(id)]
	return t, ok
}

// Tasks returns every registered task in registration order, retries
// included.
func (s *Scheduler) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id])
	}
	return out
}

// Edge is a dependency: To depends on From.
type Edge struct {
	From string
	To   string
}

// Edges returns the current dependency edges.
func (s *Scheduler) Edges() []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for _, id := range s.order {
		for _, dep := range s.depsLocked(s.tasks[id]) {
			out = append(out, Edge{From: dep, To: id})
		}
	}
	return out
}

// Summary aggregates task counts for reporting. Failed counts permanent
// failures only: attempts that were retried are not included.
type Summary struct {
	Total       int
	Done        int
	Running     int
	Failed      int
	FailedNames []string
}

// Summary returns the current counts.
func (s *Scheduler) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum Summary
	for _, id := range s.order {
		if _, replaced := s.replacedBy[id]; replaced {
			continue
		}
		t := s.tasks[id]
		sum.Total++
		switch t.State() {
		case task.DoneOK:
			sum.Done++
		case task.DoneFailed:
			sum.Failed++
			sum.FailedNames = append(sum.FailedNames, t.Name)
		case task.Running:
			sum.Running++
		}
	}
	return sum
}

// KillAll stops retries and kills every task that has not finished.
func (s *Scheduler) KillAll(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	s.stopping = true
	var live []*task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		switch t.State() {
		case task.StateNew, task.WaitingDependencies:
			if err := t.Finish(-1, task.ReasonKilled); err != nil {
				logger.Error("Cannot kill task.", "taskID", id, "error", err)
			}
		case task.Ready, task.Running:
			live = append(live, t)
		}
	}
	s.mu.Unlock()

	for _, t := range live {
		logger.Debug("Killing task.", "taskID", t.ID)
		if err := s.launcher.Kill(ctx, t); err != nil {
			logger.Warn("Failed to kill task.", "taskID", t.ID, "error", err)
		}
	}
	s.notify()
}

// Restore registers tasks loaded from a checkpoint, in their saved order.
// A task that was running is reattached when its backend allows it and
// submitted again otherwise. The newest attempt of a task that failed for
// good is reset so it runs again, unless it may fail.
func (s *Scheduler) Restore(ctx context.Context, tasks []*task.Task) error {
	logger := ctxlog.FromContext(ctx)
	s.mu.Lock()
	for _, t := range tasks {
		if _, dup := s.tasks[t.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("restore: task %s already registered", t.ID)
		}
		s.registerLocked(t)
		if next := t.ReplacedBy(); next != "" {
			s.replacedBy[t.ID] = next
		}
	}
	for _, t := range tasks {
		if next := t.ReplacedBy(); next != "" {
			if _, ok := s.tasks[next]; !ok {
				s.mu.Unlock()
				return fmt.Errorf("restore: task %s replaced by unknown task %s", t.ID, next)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range tasks {
		switch t.State() {
		case task.Running:
			if t.Pid() != "" {
				err := s.launcher.Reattach(ctx, t, func() { s.notify() }, s.finishedFunc(ctx, t))
				if err == nil {
					logger.Info("Reattached to running task.", "taskID", t.ID, "pid", t.Pid())
					continue
				}
				logger.Info("Cannot reattach, resubmitting.", "taskID", t.ID, "error", err)
			}
			if err := s.rerun(ctx, t); err != nil {
				return err
			}
		case task.Ready:
			if err := s.rerun(ctx, t); err != nil {
				return err
			}
		case task.DoneFailed:
			if t.ReplacedBy() == "" && !t.CanFail {
				if err := s.rerun(ctx, t); err != nil {
					return err
				}
			}
		}
	}
	s.notify()
	return nil
}

// rerun replaces a restored task that has to run again with a fresh attempt,
// so files and backend state left by the earlier attempt are never adopted.
// An attempt that never finished is recorded as killed.
func (s *Scheduler) rerun(ctx context.Context, t *task.Task) error {
	if !t.State().IsTerminal() {
		if err := t.Finish(-1, task.ReasonKilled); err != nil {
			return err
		}
	}
	s.mu.Lock()
	next := t.Retry(retryID(t.ID, t.RetryCount()+1))
	if _, dup := s.tasks[next.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("restore: task %s already registered", next.ID)
	}
	s.registerLocked(next)
	s.replacedBy[t.ID] = next.ID
	t.SetReplacedBy(next.ID)
	s.mu.Unlock()

	ctxlog.FromContext(ctx).Info("Running task again.", "taskID", t.ID, "newTaskID", next.ID)
	return next.Transition(task.WaitingDependencies)
}

// Kill kills one task, following retries. Finished tasks are left alone.
func (s *Scheduler) Kill(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[s.resolveLocked(id)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("kill: unknown task %q", id)
	}
	var live bool
	switch t.State() {
	case task.StateNew, task.WaitingDependencies:
		if err := t.Finish(-1, task.ReasonKilled); err != nil {
			s.mu.Unlock()
			return err
		}
	case task.Ready, task.Running:
		live = true
	}
	s.mu.Unlock()

	if live {
		if err := s.launcher.Kill(ctx, t); err != nil {
			return fmt.Errorf("kill %s: %w", t.ID, err)
		}
	}
	s.notify()
	return nil
}

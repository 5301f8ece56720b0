package executioner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/task"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxPollErrors is how many consecutive poll failures make a job count as
// disappeared.
const maxPollErrors = 5

// Report is the final outcome of one watched job.
type Report struct {
	ExitCode int
	Reason   task.FailReason
	Err      error
}

// Callbacks receive a watched job's lifecycle events. Running is called at
// most once and always before Done. Done is called exactly once.
type Callbacks struct {
	Running func()
	Done    func(Report)
}

type watch struct {
	cancel chan struct{}
	once   sync.Once
}

// Monitor polls submitted jobs, one goroutine per job.
type Monitor struct {
	interval time.Duration
	tracer   trace.Tracer
	wg       *conc.WaitGroup

	mu      sync.Mutex
	watches map[string]*watch
	stop    chan struct{}
	stopped bool
}

// NewMonitor returns a monitor polling at interval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		interval: interval,
		tracer:   otel.Tracer("github.com/specialistvlad/bdsgo/executioner"),
		wg:       conc.NewWaitGroup(),
		watches:  make(map[string]*watch),
		stop:     make(chan struct{}),
	}
}

// Watch starts following the job pid of task t on ex. The submission time is
// taken from the task and drives the wall timeout.
func (m *Monitor) Watch(ctx context.Context, ex Executioner, t *task.Task, pid string, cb Callbacks) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cb.Done(Report{ExitCode: -1, Reason: task.ReasonKilled})
		return
	}
	w := &watch{cancel: make(chan struct{})}
	m.watches[t.ID] = w
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	m.wg.Go(func() {
		defer func() {
			m.mu.Lock()
			delete(m.watches, t.ID)
			m.mu.Unlock()
		}()
		m.follow(ctx, ex, t, pid, w, cb)
	})
}

// Cancel kills the job of task id. Its Done callback reports ReasonKilled.
func (m *Monitor) Cancel(id string) bool {
	m.mu.Lock()
	w, ok := m.watches[id]
	m.mu.Unlock()
	if ok {
		w.once.Do(func() { close(w.cancel) })
	}
	return ok
}

// Watching returns the number of jobs being followed.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Stop kills every watched job and waits for all watchers to report.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) follow(ctx context.Context, ex Executioner, t *task.Task, pid string, w *watch, cb Callbacks) {
	logger := ctxlog.FromContext(ctx).With("taskID", t.ID, "pid", pid, "system", ex.Type())

	ctx, span := m.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.name", t.Name),
		attribute.String("task.system", ex.Type()),
		attribute.String("task.pid", pid),
		attribute.Int("task.retry", t.RetryCount()),
	))
	defer span.End()

	var running bool
	markRunning := func() {
		if !running {
			running = true
			if cb.Running != nil {
				cb.Running()
			}
		}
	}
	report := func(r Report) {
		markRunning()
		span.SetAttributes(attribute.Int("task.exit_code", r.ExitCode))
		if r.Reason != task.ReasonNone {
			span.SetStatus(codes.Error, string(r.Reason))
			if r.Err != nil {
				span.RecordError(r.Err)
			}
		}
		logger.Debug("Job finished.", "exitCode", r.ExitCode, "reason", r.Reason)
		cb.Done(r)
	}
	kill := func(reason task.FailReason) {
		if err := ex.Kill(ctx, pid); err != nil && !errors.Is(err, ErrUnknownJob) {
			logger.Warn("Failed to kill job.", "error", err)
		}
		report(Report{ExitCode: -1, Reason: reason})
	}

	_, submitted, _, _ := t.Times()
	if submitted.IsZero() {
		submitted = time.Now()
	}
	var runningSince time.Time
	timeout := time.Duration(t.Resources.Timeout) * time.Second
	wallTimeout := time.Duration(t.Resources.WallTimeout) * time.Second

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	pollErrors := 0
	for {
		st, err := ex.Poll(ctx, pid)
		switch {
		case errors.Is(err, ErrUnknownJob):
			report(Report{ExitCode: -1, Reason: task.ReasonDisappeared, Err: err})
			return
		case err != nil:
			pollErrors++
			logger.Debug("Poll failed.", "error", err, "attempt", pollErrors)
			if pollErrors >= maxPollErrors {
				report(Report{ExitCode: -1, Reason: task.ReasonDisappeared, Err: err})
				return
			}
		case st.Done:
			reason := task.ReasonNone
			if st.ExitCode != 0 {
				reason = task.ReasonExitCode
			}
			report(Report{ExitCode: st.ExitCode, Reason: reason})
			return
		default:
			pollErrors = 0
			if st.Running && runningSince.IsZero() {
				runningSince = time.Now()
				logger.Debug("Job running.")
				markRunning()
			}
		}

		now := time.Now()
		if timeout > 0 && !runningSince.IsZero() && now.Sub(runningSince) > timeout {
			logger.Info("Task timed out, killing.", "timeout", timeout)
			kill(task.ReasonTimeout)
			return
		}
		if wallTimeout > 0 && now.Sub(submitted) > wallTimeout {
			logger.Info("Task exceeded wall timeout, killing.", "wallTimeout", wallTimeout)
			kill(task.ReasonWallTimeout)
			return
		}

		select {
		case <-ticker.C:
		case <-w.cancel:
			kill(task.ReasonKilled)
			return
		case <-m.stop:
			kill(task.ReasonKilled)
			return
		}
	}
}

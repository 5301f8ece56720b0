package executioner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExec returns a fixed sequence of poll results.
type scriptedExec struct {
	mu     sync.Mutex
	polls  []Status
	errs   []error
	killed []string
}

func (s *scriptedExec) Type() string { return "scripted" }
func (s *scriptedExec) Submit(context.Context, *task.Task) (string, error) {
	return "1", nil
}

func (s *scriptedExec) Poll(context.Context, string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.errs) > 0 {
		err, s.errs = s.errs[0], s.errs[1:]
		if err != nil {
			return Status{}, err
		}
	}
	if len(s.polls) == 0 {
		return Status{Running: true}, nil
	}
	st := s.polls[0]
	s.polls = s.polls[1:]
	return st, nil
}

func (s *scriptedExec) Kill(_ context.Context, pid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = append(s.killed, pid)
	return nil
}
func (s *scriptedExec) ParsePidLine(line string) string { return line }
func (s *scriptedExec) CanReattach() bool               { return false }
func (s *scriptedExec) Close(context.Context) error     { return nil }

func watchOnce(t *testing.T, m *Monitor, ex Executioner, tk *task.Task) (Report, bool) {
	t.Helper()
	done := make(chan Report, 2)
	var sawRunning bool
	m.Watch(context.Background(), ex, tk, "1", Callbacks{
		Running: func() { sawRunning = true },
		Done:    func(r Report) { done <- r },
	})
	select {
	case r := <-done:
		return r, sawRunning
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never reported")
	}
	return Report{}, false
}

func newTestTask() *task.Task {
	tk := task.New("t1", "t", "true")
	tk.Submitted("1")
	return tk
}

func TestMonitor_ReportsExitCode(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	defer m.Stop()

	ex := &scriptedExec{polls: []Status{{Running: true}, {Done: true, ExitCode: 3}}}
	r, running := watchOnce(t, m, ex, newTestTask())
	assert.Equal(t, 3, r.ExitCode)
	assert.Equal(t, task.ReasonExitCode, r.Reason)
	assert.True(t, running)

	ex = &scriptedExec{polls: []Status{{Done: true, ExitCode: 0}}}
	r, running = watchOnce(t, m, ex, newTestTask())
	assert.Equal(t, task.ReasonNone, r.Reason)
	assert.True(t, running, "running is reported before done even for quick jobs")
}

func TestMonitor_Timeout(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	defer m.Stop()

	tk := newTestTask()
	tk.Resources.Timeout = 1
	ex := &scriptedExec{}
	start := time.Now()
	r, _ := watchOnce(t, m, ex, tk)
	assert.Equal(t, task.ReasonTimeout, r.Reason)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"1"}, ex.killed)
}

func TestMonitor_Disappeared(t *testing.T) {
	m := NewMonitor(time.Millisecond)
	defer m.Stop()

	r, _ := watchOnce(t, m, &scriptedExec{errs: []error{ErrUnknownJob}}, newTestTask())
	assert.Equal(t, task.ReasonDisappeared, r.Reason)
	assert.ErrorIs(t, r.Err, ErrUnknownJob)

	errs := make([]error, maxPollErrors)
	for i := range errs {
		errs[i] = assert.AnError
	}
	r, _ = watchOnce(t, m, &scriptedExec{errs: errs}, newTestTask())
	assert.Equal(t, task.ReasonDisappeared, r.Reason)
}

func TestMonitor_CancelAndStop(t *testing.T) {
	m := NewMonitor(5 * time.Millisecond)
	ex := &scriptedExec{}

	done := make(chan Report, 1)
	m.Watch(context.Background(), ex, newTestTask(), "1", Callbacks{Done: func(r Report) { done <- r }})
	require.Eventually(t, func() bool { return m.Watching() == 1 }, time.Second, time.Millisecond)
	assert.True(t, m.Cancel("t1"))
	r := <-done
	assert.Equal(t, task.ReasonKilled, r.Reason)

	m.Watch(context.Background(), ex, newTestTask(), "1", Callbacks{Done: func(r Report) { done <- r }})
	m.Stop()
	assert.Equal(t, task.ReasonKilled, (<-done).Reason)
	assert.Equal(t, 0, m.Watching())

	m.Watch(context.Background(), ex, newTestTask(), "1", Callbacks{Done: func(r Report) { done <- r }})
	assert.Equal(t, task.ReasonKilled, (<-done).Reason, "watching after stop reports at once")
}

package executioners

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/backend/fake"
	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	started  bool
	exitCode int
	reason   task.FailReason
}

func launch(r *Registry, t *task.Task) <-chan outcome {
	ch := make(chan outcome, 1)
	var mu sync.Mutex
	var started bool
	go r.Launch(context.Background(), t,
		func() { mu.Lock(); started = true; mu.Unlock() },
		func(code int, reason task.FailReason) {
			mu.Lock()
			defer mu.Unlock()
			ch <- outcome{started: started, exitCode: code, reason: reason}
		})
	return ch
}

func TestGetMemoizes(t *testing.T) {
	r := New(time.Millisecond)
	builds := 0
	r.Register("fake", func(context.Context) (executioner.Executioner, error) {
		builds++
		return fake.New("fake"), nil
	})

	a, err := r.Get(context.Background(), "fake")
	require.NoError(t, err)
	b, err := r.Get(context.Background(), "fake")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, builds)

	_, err = r.Get(context.Background(), "mainframe")
	var unknown *executioner.UnknownSystemError
	assert.True(t, errors.As(err, &unknown))

	assert.Panics(t, func() { r.Register("fake", nil) })
}

func TestLaunchReportsOutcome(t *testing.T) {
	r := New(time.Millisecond)
	fx := fake.New("local")
	fx.SetScript("bad", fake.Script{ExitCodes: []int{4}})
	r.Use(fx)
	defer r.Shutdown(context.Background())

	tk := task.New("t1", "bad", "")
	tk.Resources.System = "local"
	o := <-launch(r, tk)
	assert.True(t, o.started)
	assert.Equal(t, 4, o.exitCode)
	assert.Equal(t, task.ReasonExitCode, o.reason)
	assert.NotEmpty(t, tk.Pid())

	tk = task.New("t2", "x", "")
	tk.Resources.System = "nope"
	o = <-launch(r, tk)
	assert.Equal(t, task.ReasonSubmitError, o.reason)
}

func TestKillWhileWaitingForAdmission(t *testing.T) {
	r := New(time.Millisecond)
	fx := fake.New("local", fake.WithBudget(1, 0))
	fx.SetScript("slow", fake.Script{Duration: time.Hour})
	r.Use(fx)

	first := task.New("t1", "slow", "")
	first.Resources.System = "local"
	firstDone := launch(r, first)
	require.Eventually(t, func() bool { return first.Pid() != "" }, time.Second, time.Millisecond)

	second := task.New("t2", "slow", "")
	second.Resources.System = "local"
	secondDone := launch(r, second)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, r.Kill(context.Background(), second))
	o := <-secondDone
	assert.Equal(t, task.ReasonKilled, o.reason)
	assert.False(t, o.started)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, task.ReasonKilled, (<-firstDone).reason)
	assert.Equal(t, 1, fx.MaxConcurrent())
}

func TestUseReplacesBuiltinBackend(t *testing.T) {
	r := FromConfig(config.Defaults())
	override := fake.New("local")
	require.NotPanics(t, func() { r.Use(override) })
	defer r.Shutdown(context.Background())

	ex, err := r.Get(context.Background(), "local")
	require.NoError(t, err)
	assert.Same(t, override, ex)

	again := fake.New("local")
	r.Use(again)
	ex, err = r.Get(context.Background(), "local")
	require.NoError(t, err)
	assert.Same(t, again, ex, "a later Use wins over an instance already built")
}

func TestReattach(t *testing.T) {
	r := New(time.Millisecond)
	plain := fake.New("local")
	r.Use(plain)
	sticky := fake.New("cloud", fake.WithReattach())
	r.Use(sticky)
	defer r.Shutdown(context.Background())

	tk := task.New("t1", "x", "")
	tk.Resources.System = "local"
	tk.Submitted("fake-9")
	err := r.Reattach(context.Background(), tk, func() {}, func(int, task.FailReason) {})
	assert.ErrorIs(t, err, executioner.ErrNoReattach)

	tk.Resources.System = "cloud"
	err = r.Reattach(context.Background(), tk, func() {}, func(int, task.FailReason) {})
	assert.ErrorIs(t, err, executioner.ErrUnknownJob)

	sticky.Preload("fake-9", "t1", 0, 10*time.Millisecond)
	done := make(chan int, 1)
	require.NoError(t, r.Reattach(context.Background(), tk, func() {}, func(code int, _ task.FailReason) { done <- code }))
	assert.Equal(t, 0, <-done)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Defaults()
	r := FromConfig(cfg)
	defer r.Shutdown(context.Background())

	ex, err := r.Get(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, "local", ex.Type())

	_, err = r.Get(context.Background(), "ssh")
	assert.ErrorContains(t, err, "at least one host")

	_, err = r.Get(context.Background(), "cloud")
	assert.ErrorContains(t, err, "endpoint")

	ex, err = r.Get(context.Background(), "cluster")
	require.NoError(t, err)
	assert.True(t, ex.CanReattach())
}

package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		tk := New("t1", "echo", "echo hi")
		for _, s := range []State{WaitingDependencies, Ready, Running} {
			require.NoError(t, tk.Transition(s))
		}
		require.NoError(t, tk.Finish(0, ReasonNone))
		assert.Equal(t, DoneOK, tk.State())
		assert.Equal(t, 0, tk.ExitCode())
		assert.True(t, tk.IsOK())
	})

	t.Run("backward and skipping edges are rejected", func(t *testing.T) {
		tk := New("t1", "echo", "echo hi")
		err := tk.Transition(Running)
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		require.NoError(t, tk.Transition(WaitingDependencies))
		require.NoError(t, tk.Transition(Ready))
		require.NoError(t, tk.Transition(Running))
		require.NoError(t, tk.Finish(1, ReasonExitCode))
		assert.ErrorIs(t, tk.Transition(Running), ErrInvalidTransition)
		assert.ErrorIs(t, tk.Finish(0, ReasonNone), ErrInvalidTransition)
	})

	t.Run("waiting task can fail on a dependency", func(t *testing.T) {
		tk := New("t1", "echo", "echo hi")
		require.NoError(t, tk.Transition(WaitingDependencies))
		require.NoError(t, tk.Finish(-1, ReasonDependencyFailed))
		assert.Equal(t, ReasonDependencyFailed, tk.FailReason())
		assert.False(t, tk.IsOK())
	})

	t.Run("canFail counts as ok", func(t *testing.T) {
		tk := New("t1", "echo", "false")
		tk.CanFail = true
		require.NoError(t, tk.Transition(WaitingDependencies))
		require.NoError(t, tk.Finish(-1, ReasonDependencyFailed))
		assert.True(t, tk.IsOK())
	})
}

func TestRetry(t *testing.T) {
	tk := New("t1", "build", "make")
	tk.Inputs = []string{"a.c"}
	tk.Outputs = []string{"a.o"}
	tk.MaxRetry = 1
	tk.Resources.Cpus = 2
	assert.True(t, tk.CanRetry())

	r := tk.Retry("t2")
	assert.Equal(t, "t2", r.ID)
	assert.Equal(t, StateNew, r.State())
	assert.Equal(t, 1, r.RetryCount())
	assert.Equal(t, tk.Outputs, r.Outputs)
	assert.Equal(t, 2, r.Resources.Cpus)
	assert.False(t, r.CanRetry())

	r.Outputs[0] = "changed"
	assert.Equal(t, "a.o", tk.Outputs[0], "retry must not share slices")
}

func TestRecordRoundTrip(t *testing.T) {
	tk := New("t1", "build", "make")
	tk.Outputs = []string{"a.o"}
	tk.MaxRetry = 3
	require.NoError(t, tk.Transition(WaitingDependencies))
	tk.SetReplacedBy("t9")

	back, err := FromRecord(tk.Record())
	require.NoError(t, err)
	assert.Equal(t, tk.Record(), back.Record())

	rec := tk.Record()
	rec.State = "SLEEPING"
	_, err = FromRecord(rec)
	assert.ErrorContains(t, err, "unknown task state")
}

func TestPaths(t *testing.T) {
	tk := New("task.1", "x", "")
	tk.Dir = "/tmp/bds"
	assert.Equal(t, "/tmp/bds/task.1.sh", tk.ScriptPath())
	assert.Equal(t, "/tmp/bds/task.1.stdout", tk.StdoutPath())
	assert.Equal(t, "/tmp/bds/task.1.stderr", tk.StderrPath())
	assert.Equal(t, "/tmp/bds/task.1.exitCode", tk.ExitCodePath())
}

func TestDependency_NeedsUpdate(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(in, []byte("in"), 0o644))

	dep := Dependency{Outputs: []string{out}, Inputs: []string{in}}

	t.Run("missing output", func(t *testing.T) {
		ok, err := dep.NeedsUpdate(nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("empty output", func(t *testing.T) {
		require.NoError(t, os.WriteFile(out, nil, 0o644))
		ok, err := dep.NeedsUpdate(nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("output newer than input", func(t *testing.T) {
		require.NoError(t, os.WriteFile(out, []byte("out"), 0o644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(in, old, old))
		ok, err := dep.NeedsUpdate(nil)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("input newer than output", func(t *testing.T) {
		old := time.Now().Add(-2 * time.Hour)
		require.NoError(t, os.Chtimes(out, old, old))
		require.NoError(t, os.Chtimes(in, time.Now(), time.Now()))
		ok, err := dep.NeedsUpdate(nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("pending input", func(t *testing.T) {
		d := Dependency{Outputs: []string{out}, Inputs: []string{filepath.Join(dir, "later.txt")}}
		ok, err := d.NeedsUpdate(func(string) bool { return true })
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = d.NeedsUpdate(func(string) bool { return false })
		assert.ErrorContains(t, err, "does not exist")
	})
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n3\n4\n"), 0o644))
	lines, err := Tail(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4"}, lines)

	lines, err = Tail(filepath.Join(t.TempDir(), "none"), 2)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

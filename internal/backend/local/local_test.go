package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, e *Executioner, pid string) executioner.Status {
	t.Helper()
	var st executioner.Status
	require.Eventually(t, func() bool {
		var err error
		st, err = e.Poll(context.Background(), pid)
		require.NoError(t, err)
		return st.Done
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestSubmitRunsProgram(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	tk := task.New("t1", "echo", "echo hi > "+executioner.ShellQuote(out)+"\necho err 1>&2")
	tk.Dir = filepath.Join(dir, ".bds")

	e := New(1, 0)
	ctx := context.Background()
	pid, err := e.Submit(ctx, tk)
	require.NoError(t, err)

	again, err := e.Submit(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, pid, again, "submit is idempotent per task id")

	st := waitDone(t, e, pid)
	assert.Equal(t, 0, st.ExitCode)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(body))

	stderr, err := os.ReadFile(tk.StderrPath())
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))

	code, err := os.ReadFile(tk.ExitCodePath())
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(string(code)))
}

func TestNonZeroExit(t *testing.T) {
	tk := task.New("t2", "fail", "exit 7")
	tk.Dir = t.TempDir()
	e := New(1, 0)
	pid, err := e.Submit(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, 7, waitDone(t, e, pid).ExitCode)
}

func TestKill(t *testing.T) {
	tk := task.New("t3", "sleep", "sleep 30")
	tk.Dir = t.TempDir()
	e := New(1, 0)
	pid, err := e.Submit(context.Background(), tk)
	require.NoError(t, err)

	st, err := e.Poll(context.Background(), pid)
	require.NoError(t, err)
	assert.True(t, st.Running)

	require.NoError(t, e.Kill(context.Background(), pid))
	assert.NotEqual(t, 0, waitDone(t, e, pid).ExitCode)
}

func TestUnknownJob(t *testing.T) {
	e := New(1, 0)
	_, err := e.Poll(context.Background(), "999999")
	assert.ErrorIs(t, err, executioner.ErrUnknownJob)
	assert.Equal(t, "123", e.ParsePidLine(" 123\n"))
	assert.False(t, e.CanReattach())
}

func TestAdmitUsesBudget(t *testing.T) {
	e := New(2, 0)
	tk := task.New("t4", "big", "true")
	tk.Resources.Cpus = 3
	_, err := e.Admit(context.Background(), tk)
	assert.ErrorIs(t, err, executioner.ErrNeverFits)

	tk.Resources.Cpus = 2
	release, err := e.Admit(context.Background(), tk)
	require.NoError(t, err)
	cpus, _ := e.Budget().InUse()
	assert.Equal(t, int64(2), cpus)
	release()
}

package fake

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptedAttempts(t *testing.T) {
	e := New("local")
	e.SetScript("flaky", Script{ExitCodes: []int{1, 0}})
	out := filepath.Join(t.TempDir(), "out.txt")
	ctx := context.Background()

	for i, want := range []int{1, 0, 0} {
		tk := task.New("t"+string(rune('a'+i)), "flaky", "")
		tk.Outputs = []string{out}
		pid, err := e.Submit(ctx, tk)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			st, err := e.Poll(ctx, pid)
			return err == nil && st.Done && st.ExitCode == want
		}, time.Second, time.Millisecond)
	}
	assert.Equal(t, 3, e.Attempts("flaky"))
	_, err := os.Stat(out)
	assert.NoError(t, err, "successful attempts create outputs")
}

func TestKillAndVanish(t *testing.T) {
	e := New("cluster")
	e.SetScript("slow", Script{Duration: time.Hour})
	e.SetScript("lost", Script{Vanish: true})
	ctx := context.Background()

	pid, err := e.Submit(ctx, task.New("t1", "slow", ""))
	require.NoError(t, err)
	require.NoError(t, e.Kill(ctx, pid))
	st, err := e.Poll(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, executioner.Status{Done: true, ExitCode: 137}, st)

	pid, err = e.Submit(ctx, task.New("t2", "lost", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := e.Poll(ctx, pid)
		return err == executioner.ErrUnknownJob
	}, time.Second, time.Millisecond)
	assert.Equal(t, "42", e.ParsePidLine("job 42"))
	assert.Empty(t, e.ParsePidLine("nothing"))
}

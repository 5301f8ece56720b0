package cluster

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue imitates qsub/qstat/qdel.
type fakeQueue struct {
	mu      sync.Mutex
	next    int
	queued  map[string]bool
	calls   []string
	lastArg []string
}

func newFakeQueue() *fakeQueue { return &fakeQueue{next: 100, queued: map[string]bool{}} }

func (q *fakeQueue) Run(_ context.Context, name string, args ...string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, name)
	switch name {
	case "qsub":
		q.lastArg = args
		q.next++
		id := fmt.Sprint(q.next)
		q.queued[id] = true
		return fmt.Sprintf("Your job %s (\"x\") has been submitted\n", id), nil
	case "qstat":
		var sb strings.Builder
		for id := range q.queued {
			fmt.Fprintf(&sb, "%s 0.5 x user r\n", id)
		}
		return sb.String(), nil
	case "qdel":
		delete(q.queued, args[len(args)-1])
		return "", nil
	}
	return "", fmt.Errorf("unexpected command %s", name)
}

func (q *fakeQueue) finish(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, id)
}

func (q *fakeQueue) count(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTest(t *testing.T, q *fakeQueue) *Executioner {
	t.Helper()
	cfg := config.DefaultCluster()
	cfg.SubmitArgs = append([]string{"-pe", "smp", "{cpus}", "-l", "mem={mem}"}, cfg.SubmitArgs...)
	e, err := New(cfg, q)
	require.NoError(t, err)
	e.statTTL = 0
	return e
}

func TestSubmitPollLifecycle(t *testing.T) {
	q := newFakeQueue()
	e := newTest(t, q)
	ctx := context.Background()

	tk := task.New("t1", "align", "bwa mem")
	tk.Dir = t.TempDir()
	tk.Resources.Cpus = 4
	pid, err := e.Submit(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, "101", pid)
	assert.Equal(t, []string{"-pe", "smp", "4", "-l", "mem=", "-N", "align", "-o", tk.StdoutPath(), "-e", tk.StderrPath(), tk.ScriptPath()}, q.lastArg)

	st, err := e.Poll(ctx, pid)
	require.NoError(t, err)
	assert.True(t, st.Running)

	q.finish(pid)
	require.NoError(t, os.WriteFile(tk.ExitCodePath(), []byte("2\n"), 0o644))
	st, err = e.Poll(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, executioner.Status{Done: true, ExitCode: 2}, st)
}

func TestSubmitIsIdempotentAcrossProcesses(t *testing.T) {
	q := newFakeQueue()
	dir := t.TempDir()
	tk := task.New("t1", "align", "true")
	tk.Dir = dir

	pid, err := newTest(t, q).Submit(context.Background(), tk)
	require.NoError(t, err)

	// A second executioner plays the resumed process.
	again, err := newTest(t, q).Submit(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, pid, again)
	assert.Equal(t, 1, q.count("qsub"))
}

func TestVanishedJobAndReattach(t *testing.T) {
	q := newFakeQueue()
	tk := task.New("t1", "align", "true")
	tk.Dir = t.TempDir()
	pid, err := newTest(t, q).Submit(context.Background(), tk)
	require.NoError(t, err)
	tk.Submitted(pid)

	fresh := newTest(t, q)
	_, err = fresh.Poll(context.Background(), pid)
	assert.ErrorIs(t, err, executioner.ErrUnknownJob, "unknown before adoption")

	fresh.Adopt(tk)
	st, err := fresh.Poll(context.Background(), pid)
	require.NoError(t, err)
	assert.True(t, st.Running)

	require.NoError(t, fresh.Kill(context.Background(), pid))
	_, err = fresh.Poll(context.Background(), pid)
	assert.ErrorIs(t, err, executioner.ErrUnknownJob, "no exit code file after the job left the queue")
}

func TestParsePidLine(t *testing.T) {
	e, err := New(nil, newFakeQueue())
	require.NoError(t, err)
	assert.Equal(t, "4242", e.ParsePidLine(`Your job 4242 ("run.sh") has been submitted`))
	assert.Empty(t, e.ParsePidLine("qsub: error"))

	e, err = New(&config.ClusterConfig{Submit: []string{"sbatch"}, Stat: []string{"squeue"}, Kill: []string{"scancel"}, PidRegex: `\d+`}, nil)
	require.NoError(t, err)
	assert.Equal(t, "77", e.ParsePidLine("Submitted batch job 77"))

	_, err = New(&config.ClusterConfig{Submit: []string{"x"}, Stat: []string{"y"}, Kill: []string{"z"}, PidRegex: "("}, nil)
	assert.ErrorContains(t, err, "invalid pid_regex")
}

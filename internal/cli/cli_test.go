package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/bdsgo/internal/app"
	"github.com/specialistvlad/bdsgo/internal/lang"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out, logs := &bytes.Buffer{}, &bytes.Buffer{}
	root := NewRootCommand(out, logs)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeCheckpoint runs a program that saves a checkpoint after declaring a
// variable and returns the checkpoint path.
func writeCheckpoint(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bds.chp")
	appCfg, err := app.NewConfig(app.AppConfig{LogLevel: "error", CheckpointFile: path})
	require.NoError(t, err)
	a, err := app.New(&bytes.Buffer{}, &bytes.Buffer{}, appCfg)
	require.NoError(t, err)
	a.Config().TaskDir = dir

	prog, err := lang.NewProgram(&lang.Block{Stmts: []run.Statement{
		&lang.VarDeclaration{Name: "greeting", Type: cty.String, Init: &lang.Literal{Value: cty.StringVal("hello")}},
		&lang.Checkpoint{},
	}})
	require.NoError(t, err)
	code, err := a.RunProgram(context.Background(), prog)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	return path
}

func TestInfoCommand(t *testing.T) {
	path := writeCheckpoint(t)

	out, err := execute(t, "", "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint version 1")
	assert.Contains(t, out, "Threads: 1")
	assert.Contains(t, out, "greeting = hello")

	out, err = execute(t, "", "info", "--yaml", path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 1, doc["version"])
	assert.Len(t, doc["threads"], 1)

	_, err = execute(t, "", "info")
	assert.Error(t, err, "file argument is required")
	_, err = execute(t, "", "info", filepath.Join(t.TempDir(), "missing.chp"))
	assert.Error(t, err)
}

func TestCheckPidRegexCommand(t *testing.T) {
	cfg := testutil.WriteFile(t, t.TempDir(), "bds.hcl", `
cluster {
  pid_regex = "job-([0-9]+)"
}
`)
	out, err := execute(t, "submitted job-42 to queue\nnothing here\n", "--config", cfg, "checkpidregex")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Input line: 'submitted job-42 to queue'\tMatched: '42'", lines[0])
	assert.Equal(t, "Input line: 'nothing here'\tMatched: ''", lines[1])

	bad := testutil.WriteFile(t, t.TempDir(), "bds.hcl", "cluster {\n  pid_regex = \"(\"\n}\n")
	_, err = execute(t, "", "--config", bad, "checkpidregex")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

func TestInvalidFlagsAreUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "log level", args: []string{"--log-level", "loud", "checkpidregex"}},
		{name: "log format", args: []string{"--log-format", "xml", "checkpidregex"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, "", append([]string{"--config", filepath.Join(t.TempDir(), "none.hcl")}, tc.args...)...)
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr))
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "bds dev\n", out)
}

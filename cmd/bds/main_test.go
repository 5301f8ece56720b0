package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specialistvlad/bdsgo/internal/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVersion(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, run(strings.NewReader(""), out, &bytes.Buffer{}, []string{"version"}))
	assert.Equal(t, "bds "+cli.Version+"\n", out.String())
}

func TestRunReportsExitCodes(t *testing.T) {
	err := run(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, []string{"--log-level", "loud", "version", "x"})
	require.Error(t, err, "unknown positional argument")

	err = run(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{},
		[]string{"--config", filepath.Join(t.TempDir(), "none.hcl"), "--log-level", "loud", "checkpidregex"})
	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

package executioner

import (
	"fmt"
	"os"
	"strings"

	"github.com/specialistvlad/bdsgo/internal/task"
)

// WrapperScript returns the shell script that runs the task's program and
// records its exit code next to the task's other files.
func WrapperScript(t *task.Task) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&sb, "# task %s (%s)\n", t.ID, t.Name)
	sb.WriteString("(\n")
	sb.WriteString(t.Program)
	if !strings.HasSuffix(t.Program, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString(")\n")
	sb.WriteString("rc=$?\n")
	fmt.Fprintf(&sb, "echo $rc > %s\n", ShellQuote(t.ExitCodePath()))
	sb.WriteString("exit $rc\n")
	return sb.String()
}

// WriteScript creates the task directory and writes the wrapper script.
func WriteScript(t *task.Task) error {
	if t.Dir != "" {
		if err := os.MkdirAll(t.Dir, 0o755); err != nil {
			return fmt.Errorf("creating task dir: %w", err)
		}
	}
	// A stale exit code from an earlier attempt must not be mistaken for this one.
	_ = os.Remove(t.ExitCodePath())
	if err := os.WriteFile(t.ScriptPath(), []byte(WrapperScript(t)), 0o755); err != nil {
		return fmt.Errorf("writing task script: %w", err)
	}
	return nil
}

// ShellQuote quotes s for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

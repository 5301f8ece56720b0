package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scope"
)

// Version is written in the header and checked on load.
const Version = 1

// Files is the run.Checkpointer that writes checkpoint files.
type Files struct{}

// SaveFile implements run.Checkpointer.
func (Files) SaveFile(ctx context.Context, rt *run.Runtime, path string) error {
	return SaveFile(ctx, rt, path)
}

// SaveFile writes a checkpoint of rt to path atomically: the records go to
// a temporary file in the same directory that is renamed over path.
func SaveFile(ctx context.Context, rt *run.Runtime, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".chp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Save(tmp, rt); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	ctxlog.FromContext(ctx).Debug("Checkpoint file written.", "path", path, "runID", rt.ID)
	return nil
}

// Save pauses every thread of rt and writes its state to w.
func Save(w io.Writer, rt *run.Runtime) error {
	return rt.Snapshot(func(s *run.Snapshot) error {
		bw := bufio.NewWriter(w)
		if err := write(bw, s, time.Now()); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		return bw.Flush()
	})
}

func write(w *bufio.Writer, s *run.Snapshot, savedAt time.Time) error {
	line := func(fields ...string) {
		w.WriteString(strings.Join(fields, "\t"))
		w.WriteByte('\n')
	}
	line("H", strconv.Itoa(Version), quote(s.RunID), quote(savedAt.UTC().Format(time.RFC3339Nano)))

	for _, sc := range s.Scopes {
		if sc.ID != scope.GlobalID {
			parent := ""
			if p := sc.Parent(); p != nil {
				parent = p.ID
			}
			line("S", quote(sc.ID), quote(parent), quote(sc.NodeID))
		}
		for _, sym := range sc.Symbols() {
			ty, err := encodeType(sym.Type)
			if err != nil {
				return fmt.Errorf("type of %s: %w", sym.Name, err)
			}
			val, err := encodeValue(sym.Value)
			if err != nil {
				return fmt.Errorf("value of %s: %w", sym.Name, err)
			}
			line("V", quote(sc.ID+"/"+sym.Name), ty, val, strconv.FormatBool(sym.Constant), quote(sym.Function))
		}
	}

	for _, th := range s.Threads {
		pc := make([]frame, len(th.PC))
		for i, f := range th.PC {
			pc[i] = frame{Node: f.Node, Index: f.Index, Scope: f.Scope}
			if len(f.Calls) > 0 {
				calls, err := encodeValues(f.Calls)
				if err != nil {
					return fmt.Errorf("call results of thread %s: %w", th.ID, err)
				}
				pc[i].Calls = json.RawMessage(calls)
			}
		}
		pcJSON, err := encodeJSON(pc)
		if err != nil {
			return err
		}
		stack, err := encodeValues(th.Stack)
		if err != nil {
			return fmt.Errorf("stack of thread %s: %w", th.ID, err)
		}
		args, err := encodeValues(th.Args)
		if err != nil {
			return fmt.Errorf("arguments of thread %s: %w", th.ID, err)
		}
		children, err := encodeJSON(nonNilStrings(th.Children))
		if err != nil {
			return err
		}
		line("T", quote(th.ID), quote(th.ParentID), quote(th.Statement), th.State.String(),
			strconv.Itoa(th.ExitCode), quote(th.Base), quote(th.Current), pcJSON, stack, children,
			quote(th.Call), args)
	}

	for _, t := range s.Tasks {
		rec, err := encodeJSON(t.Record())
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		line("K", quote(t.ID), rec)
	}
	return nil
}

type frame struct {
	Node  string `json:"node"`
	Index int    `json:"index"`
	Scope string `json:"scope,omitempty"`
	// Calls holds the results of function calls completed within the
	// frame's current child.
	Calls json.RawMessage `json:"calls,omitempty"`
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

package checkpoint

import (
	"io"
	"sort"
	"time"

	"github.com/specialistvlad/bdsgo/internal/lang"
)

// Summary describes a checkpoint without the program that wrote it.
type Summary struct {
	Version int            `yaml:"version"`
	RunID   string         `yaml:"runId"`
	SavedAt time.Time      `yaml:"savedAt"`
	Threads []ThreadInfo   `yaml:"threads"`
	Tasks   []TaskInfo     `yaml:"tasks"`
	Vars    []VarInfo      `yaml:"variables,omitempty"`
	Counts  map[string]int `yaml:"taskStates"`
}

// ThreadInfo is one thread of a Summary.
type ThreadInfo struct {
	ID       string `yaml:"id"`
	Parent   string `yaml:"parent,omitempty"`
	State    string `yaml:"state"`
	ExitCode int    `yaml:"exitCode"`
	// Position is the node of the innermost saved frame.
	Position string `yaml:"position,omitempty"`
	Depth    int    `yaml:"depth"`
}

// TaskInfo is one task of a Summary.
type TaskInfo struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	State    string `yaml:"state"`
	ExitCode int    `yaml:"exitCode"`
	Retries  int    `yaml:"retries"`
	Pid      string `yaml:"pid,omitempty"`
}

// VarInfo is one variable of a Summary.
type VarInfo struct {
	Scope string `yaml:"scope"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Info reads a checkpoint and summarizes it. References are not resolved,
// so no program is needed.
func Info(r io.Reader) (*Summary, error) {
	c, err := parse(r)
	if err != nil {
		return nil, err
	}
	s := &Summary{Version: c.Version, RunID: c.RunID, SavedAt: c.SavedAt, Counts: make(map[string]int)}
	for _, st := range c.Threads {
		ti := ThreadInfo{ID: st.ID, Parent: st.ParentID, State: st.State.String(), ExitCode: st.ExitCode, Depth: len(st.PC)}
		if n := len(st.PC); n > 0 {
			ti.Position = st.PC[n-1].Node
		}
		s.Threads = append(s.Threads, ti)
	}
	for _, t := range c.Tasks {
		s.Tasks = append(s.Tasks, TaskInfo{ID: t.ID, Name: t.Name, State: t.State, ExitCode: t.ExitCode, Retries: t.RetryCount, Pid: t.Pid})
		s.Counts[t.State]++
	}
	for _, sc := range c.Scopes {
		for _, v := range sc.Vars {
			if v.Constant || v.IsFunction() {
				continue
			}
			s.Vars = append(s.Vars, VarInfo{Scope: sc.ID, Name: v.Name, Value: lang.Str(v.Value)})
		}
	}
	sort.SliceStable(s.Vars, func(i, j int) bool { return s.Vars[i].Scope < s.Vars[j].Scope })
	return s, nil
}

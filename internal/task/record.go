package task

import "time"

// Record is the flat, serializable form of a task used by checkpoints and
// reports.
type Record struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	NodeID     string     `json:"node" yaml:"node"`
	ThreadID   string     `json:"thread" yaml:"thread"`
	Program    string     `json:"program" yaml:"program"`
	Inputs     []string   `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs    []string   `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	After      []string   `json:"after,omitempty" yaml:"after,omitempty"`
	Resources  Resources  `json:"resources" yaml:"resources"`
	CanFail    bool       `json:"canFail" yaml:"canFail"`
	AllowEmpty bool       `json:"allowEmpty" yaml:"allowEmpty"`
	MaxRetry   int        `json:"maxRetry" yaml:"maxRetry"`
	Deferred   bool       `json:"dep" yaml:"dep"`
	Dir        string     `json:"dir" yaml:"dir"`
	State      string     `json:"state" yaml:"state"`
	RetryCount int        `json:"retryCount" yaml:"retryCount"`
	Pid        string     `json:"pid,omitempty" yaml:"pid,omitempty"`
	ExitCode   int        `json:"exitCode" yaml:"exitCode"`
	Reason     FailReason `json:"reason,omitempty" yaml:"reason,omitempty"`
	ReplacedBy string     `json:"replacedBy,omitempty" yaml:"replacedBy,omitempty"`
	Created    time.Time  `json:"created" yaml:"created"`
	Submitted  time.Time  `json:"submitted" yaml:"submitted"`
	Started    time.Time  `json:"started" yaml:"started"`
	Finished   time.Time  `json:"finished" yaml:"finished"`
}

// Record captures the task's configuration and lifecycle state.
func (t *Task) Record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Record{
		ID: t.ID, Name: t.Name, NodeID: t.NodeID, ThreadID: t.ThreadID, Program: t.Program,
		Inputs: t.Inputs, Outputs: t.Outputs, After: t.After, Resources: t.Resources,
		CanFail: t.CanFail, AllowEmpty: t.AllowEmpty, MaxRetry: t.MaxRetry, Deferred: t.Deferred, Dir: t.Dir,
		State: t.state.String(), RetryCount: t.retryCount, Pid: t.pid, ExitCode: t.exitCode,
		Reason: t.reason, ReplacedBy: t.replacedBy,
		Created: t.created, Submitted: t.submitted, Started: t.started, Finished: t.finished,
	}
}

// FromRecord rebuilds a task, state included, from its record.
func FromRecord(r Record) (*Task, error) {
	st, err := ParseState(r.State)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID: r.ID, Name: r.Name, NodeID: r.NodeID, ThreadID: r.ThreadID, Program: r.Program,
		Inputs: r.Inputs, Outputs: r.Outputs, After: r.After, Resources: r.Resources,
		CanFail: r.CanFail, AllowEmpty: r.AllowEmpty, MaxRetry: r.MaxRetry, Deferred: r.Deferred, Dir: r.Dir,
		state: st, retryCount: r.RetryCount, pid: r.Pid, exitCode: r.ExitCode,
		reason: r.Reason, replacedBy: r.ReplacedBy,
		created: r.Created, submitted: r.Submitted, started: r.Started, finished: r.Finished,
	}, nil
}

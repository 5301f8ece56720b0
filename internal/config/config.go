package config

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/zclconf/go-cty/cty"
)

// Backend selectors recognized by the `system` option.
const (
	SystemLocal   = "local"
	SystemSSH     = "ssh"
	SystemCluster = "cluster"
	SystemCloud   = "cloud"
)

// Names of the task options as they appear in the global scope.
const (
	OptSystem      = "system"
	OptCpus        = "cpus"
	OptMem         = "mem"
	OptQueue       = "queue"
	OptNode        = "node"
	OptRetry       = "retry"
	OptTimeout     = "timeout"
	OptWallTimeout = "wallTimeout"
	OptCanFail     = "canFail"
	OptAllowEmpty  = "allowEmpty"
	OptTaskName    = "taskName"
	OptLocalCpus   = "localCpus"
)

const oneDay = int64(24 * 60 * 60)

// Config is the resolved configuration for one program run.
type Config struct {
	System      string `hcl:"system,optional"`
	Cpus        int    `hcl:"cpus,optional"`
	Mem         int64  `hcl:"mem,optional"`
	Queue       string `hcl:"queue,optional"`
	Node        string `hcl:"node,optional"`
	Retry       int    `hcl:"retry,optional"`
	Timeout     int64  `hcl:"timeout,optional"`
	WallTimeout int64  `hcl:"wall_timeout,optional"`
	CanFail     bool   `hcl:"can_fail,optional"`
	AllowEmpty  bool   `hcl:"allow_empty,optional"`

	TaskDir             string `hcl:"task_dir,optional"`
	PollIntervalMs      int    `hcl:"poll_interval_ms,optional"`
	LogLevel            string `hcl:"log_level,optional"`
	LogFormat           string `hcl:"log_format,optional"`
	CheckpointOnFailure bool   `hcl:"checkpoint_on_failure,optional"`

	Local   *LocalConfig   `hcl:"local,block"`
	SSH     *SSHConfig     `hcl:"ssh,block"`
	Cluster *ClusterConfig `hcl:"cluster,block"`
	Cloud   *CloudConfig   `hcl:"cloud,block"`
}

// LocalConfig caps the resources the local backend may use at once.
type LocalConfig struct {
	Cpus int   `hcl:"cpus,optional"`
	Mem  int64 `hcl:"mem,optional"`
}

// SSHConfig lists the remote hosts available to the ssh backend.
type SSHConfig struct {
	Hosts []*SSHHost `hcl:"host,block"`
}

// SSHHost is one remote machine.
type SSHHost struct {
	Name           string `hcl:"name,label"`
	Address        string `hcl:"address"`
	User           string `hcl:"user,optional"`
	KeyFile        string `hcl:"key_file,optional"`
	Password       string `hcl:"password,optional"`
	KnownHostsFile string `hcl:"known_hosts_file,optional"`
	Cpus           int    `hcl:"cpus,optional"`
	Mem            int64  `hcl:"mem,optional"`
}

// ClusterConfig describes the queue manager's command line interface.
// SubmitArgs may reference {name}, {cpus}, {mem}, {queue}, {node},
// {timeout}, {stdout}, {stderr} and {script}.
type ClusterConfig struct {
	Submit     []string `hcl:"submit,optional"`
	SubmitArgs []string `hcl:"submit_args,optional"`
	Stat       []string `hcl:"stat,optional"`
	Kill       []string `hcl:"kill,optional"`
	PidRegex   string   `hcl:"pid_regex,optional"`
}

// CloudConfig points the cloud backend at a job API.
type CloudConfig struct {
	Endpoint   string `hcl:"endpoint"`
	Token      string `hcl:"token,optional"`
	TimeoutSec int    `hcl:"timeout_sec,optional"`
}

// Defaults returns the configuration used when no file is supplied.
func Defaults() *Config {
	return &Config{
		System:         SystemLocal,
		Cpus:           1,
		Mem:            -1,
		Retry:          0,
		Timeout:        oneDay,
		WallTimeout:    oneDay,
		TaskDir:        ".bds",
		PollIntervalMs: 1000,
		LogLevel:       "info",
		LogFormat:      "text",
		Local:          &LocalConfig{Cpus: runtime.NumCPU(), Mem: 0},
		Cluster:        DefaultCluster(),
	}
}

// DefaultCluster returns a Sun Grid Engine flavoured command set.
func DefaultCluster() *ClusterConfig {
	return &ClusterConfig{
		Submit:     []string{"qsub"},
		SubmitArgs: []string{"-N", "{name}", "-o", "{stdout}", "-e", "{stderr}", "{script}"},
		Stat:       []string{"qstat"},
		Kill:       []string{"qdel"},
		PidRegex:   `Your job (\S+)`,
	}
}

// Validate checks the values that would make every task fail.
func (c *Config) Validate() error {
	if c.Cpus <= 0 {
		return fmt.Errorf("number of cpus must be a positive number (%d)", c.Cpus)
	}
	if c.Retry < 0 {
		return fmt.Errorf("retry must not be negative (%d)", c.Retry)
	}
	switch c.System {
	case SystemLocal, SystemSSH, SystemCluster, SystemCloud:
	default:
		return fmt.Errorf("unknown system %q", c.System)
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive (%d)", c.PollIntervalMs)
	}
	return nil
}

// PollInterval is the executioner monitor's polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Constant names bound in the global scope and in the HCL evaluation context.
var constants = map[string]cty.Value{
	"K":      cty.NumberIntVal(1024),
	"M":      cty.NumberIntVal(1024 * 1024),
	"G":      cty.NumberIntVal(1024 * 1024 * 1024),
	"T":      cty.NumberIntVal(1024 * 1024 * 1024 * 1024),
	"P":      cty.NumberIntVal(1024 * 1024 * 1024 * 1024 * 1024),
	"minute": cty.NumberIntVal(60),
	"hour":   cty.NumberIntVal(60 * 60),
	"day":    cty.NumberIntVal(oneDay),
	"week":   cty.NumberIntVal(7 * oneDay),
	"E":      cty.NumberFloatVal(math.E),
	"PI":     cty.NumberFloatVal(math.Pi),
}

// Symbol is a name/value pair destined for the global scope.
type Symbol struct {
	Name     string
	Value    cty.Value
	Constant bool
}

// GlobalSymbols returns the task option defaults followed by the constants.
func (c *Config) GlobalSymbols() []Symbol {
	localCpus := runtime.NumCPU()
	if c.Local != nil && c.Local.Cpus > 0 {
		localCpus = c.Local.Cpus
	}

	syms := []Symbol{
		{Name: OptSystem, Value: cty.StringVal(c.System)},
		{Name: OptCpus, Value: cty.NumberIntVal(int64(c.Cpus))},
		{Name: OptMem, Value: cty.NumberIntVal(c.Mem)},
		{Name: OptQueue, Value: cty.StringVal(c.Queue)},
		{Name: OptNode, Value: cty.StringVal(c.Node)},
		{Name: OptRetry, Value: cty.NumberIntVal(int64(c.Retry))},
		{Name: OptTimeout, Value: cty.NumberIntVal(c.Timeout)},
		{Name: OptWallTimeout, Value: cty.NumberIntVal(c.WallTimeout)},
		{Name: OptCanFail, Value: cty.BoolVal(c.CanFail)},
		{Name: OptAllowEmpty, Value: cty.BoolVal(c.AllowEmpty)},
		{Name: OptLocalCpus, Value: cty.NumberIntVal(int64(localCpus))},
	}
	for _, name := range constantOrder {
		syms = append(syms, Symbol{Name: name, Value: constants[name], Constant: true})
	}
	return syms
}

var constantOrder = []string{"K", "M", "G", "T", "P", "minute", "hour", "day", "week", "E", "PI"}

package config

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
)

// Load reads an HCL configuration file on top of Defaults(). An empty path or
// a path that does not exist yields the defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := Defaults()

	if path == "" {
		logger.Debug("No config file given, using defaults.")
		return cfg, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debug("Config file not found, using defaults.", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("error reading config %s: %w", path, err)
	}
	if err := Decode(src, path, cfg); err != nil {
		return nil, err
	}
	logger.Debug("Config loaded.", "path", path, "system", cfg.System, "cpus", cfg.Cpus)
	return cfg, nil
}

// Decode parses src and decodes it into cfg. Fields not present in src keep
// the values cfg already holds.
func Decode(src []byte, filename string, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	local, cluster := cfg.Local, cfg.Cluster
	diags = gohcl.DecodeBody(file.Body, evalContext(), cfg)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	// Absent blocks fall back to the defaults they replaced.
	if cfg.Local == nil {
		cfg.Local = local
	}
	if cfg.Cluster == nil {
		cfg.Cluster = cluster
	} else {
		fillCluster(cfg.Cluster)
	}
	return cfg.Validate()
}

func fillCluster(c *ClusterConfig) {
	def := DefaultCluster()
	if len(c.Submit) == 0 {
		c.Submit = def.Submit
	}
	if len(c.SubmitArgs) == 0 {
		c.SubmitArgs = def.SubmitArgs
	}
	if len(c.Stat) == 0 {
		c.Stat = def.Stat
	}
	if len(c.Kill) == 0 {
		c.Kill = def.Kill
	}
	if c.PidRegex == "" {
		c.PidRegex = def.PidRegex
	}
}

// evalContext exposes the size and time constants, so `mem = 4 * G` works.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(constants))
	for k, v := range constants {
		vars[k] = v
	}
	return &hcl.EvalContext{Variables: vars}
}

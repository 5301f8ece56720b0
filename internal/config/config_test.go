package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.hcl"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_OverridesAndConstants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bds.hcl")
	src := `
		system       = "cluster"
		cpus         = 2
		mem          = 4 * G
		retry        = 3
		timeout      = 2 * hour
		can_fail     = true
		local {
			cpus = 3
		}
		cluster {
			submit    = ["sbatch"]
			pid_regex = "Submitted batch job (\\d+)"
		}
		ssh {
			host "node1" {
				address = "10.0.0.1:22"
				user    = "bds"
				cpus    = 8
			}
		}
	`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, SystemCluster, cfg.System)
	assert.Equal(t, 2, cfg.Cpus)
	assert.Equal(t, int64(4*1024*1024*1024), cfg.Mem)
	assert.Equal(t, 3, cfg.Retry)
	assert.Equal(t, int64(7200), cfg.Timeout)
	assert.Equal(t, oneDay, cfg.WallTimeout, "untouched fields keep their defaults")
	assert.True(t, cfg.CanFail)
	assert.Equal(t, 3, cfg.Local.Cpus)
	assert.Equal(t, []string{"sbatch"}, cfg.Cluster.Submit)
	assert.Equal(t, DefaultCluster().Stat, cfg.Cluster.Stat)
	require.Len(t, cfg.SSH.Hosts, 1)
	assert.Equal(t, "node1", cfg.SSH.Hosts[0].Name)
	assert.Equal(t, 8, cfg.SSH.Hosts[0].Cpus)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bds.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`cpus = 0`), 0o600))
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "cpus must be a positive number")

	require.NoError(t, os.WriteFile(path, []byte(`system = "mainframe"`), 0o600))
	_, err = Load(context.Background(), path)
	assert.ErrorContains(t, err, "unknown system")
}

func TestLoad_SyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bds.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`cpus = `), 0o600))
	_, err := Load(context.Background(), path)
	assert.ErrorContains(t, err, "failed to parse HCL file")
}

func TestGlobalSymbols(t *testing.T) {
	cfg := Defaults()
	cfg.Local.Cpus = 6
	byName := map[string]Symbol{}
	for _, s := range cfg.GlobalSymbols() {
		byName[s.Name] = s
	}

	assert.Equal(t, cty.StringVal("local"), byName[OptSystem].Value)
	assert.Equal(t, cty.NumberIntVal(-1), byName[OptMem].Value)
	assert.Equal(t, cty.NumberIntVal(6), byName[OptLocalCpus].Value)
	assert.False(t, byName[OptCpus].Constant)
	assert.True(t, byName["G"].Constant)
	assert.True(t, byName["week"].Value.Equals(cty.NumberIntVal(7*oneDay)).True())
}

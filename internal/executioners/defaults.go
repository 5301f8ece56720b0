package executioners

import (
	"context"
	"runtime"

	"github.com/specialistvlad/bdsgo/internal/backend/cloud"
	"github.com/specialistvlad/bdsgo/internal/backend/cluster"
	"github.com/specialistvlad/bdsgo/internal/backend/local"
	"github.com/specialistvlad/bdsgo/internal/backend/ssh"
	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/executioner"
)

// FromConfig returns a registry with the built-in backends registered. None
// of them is built until a task asks for it.
func FromConfig(cfg *config.Config) *Registry {
	r := New(cfg.PollInterval())
	r.Register(local.Type, func(context.Context) (executioner.Executioner, error) {
		cpus, mem := runtime.NumCPU(), int64(0)
		if cfg.Local != nil {
			if cfg.Local.Cpus > 0 {
				cpus = cfg.Local.Cpus
			}
			mem = cfg.Local.Mem
		}
		return local.New(cpus, mem), nil
	})
	r.Register(ssh.Type, func(context.Context) (executioner.Executioner, error) {
		return ssh.New(cfg.SSH)
	})
	r.Register(cluster.Type, func(context.Context) (executioner.Executioner, error) {
		return cluster.New(cfg.Cluster, nil)
	})
	r.Register(cloud.Type, func(context.Context) (executioner.Executioner, error) {
		return cloud.New(cfg.Cloud)
	})
	return r
}

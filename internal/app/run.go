package app

import (
	"context"
	"fmt"
	"os"

	"github.com/specialistvlad/bdsgo/internal/checkpoint"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/executioners"
	"github.com/specialistvlad/bdsgo/internal/lang"
	"github.com/specialistvlad/bdsgo/internal/run"
	"github.com/specialistvlad/bdsgo/internal/scheduler"
)

// RunProgram interprets program from the start and returns the process exit
// code.
func (a *App) RunProgram(ctx context.Context, program *lang.Program) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	rt, err := a.newRuntime(program)
	if err != nil {
		return 1, err
	}
	a.logger.Debug("App.RunProgram started.", "runID", rt.ID)
	return a.execute(ctx, rt.Run)
}

// ResumeProgram restores the checkpoint at path into a fresh runtime for
// program and continues it.
func (a *App) ResumeProgram(ctx context.Context, program *lang.Program, path string) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	f, err := os.Open(path)
	if err != nil {
		return 1, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	c, err := checkpoint.Load(f, program)
	f.Close()
	if err != nil {
		return 1, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}

	rt, err := a.newRuntime(program)
	if err != nil {
		return 1, err
	}
	if err := checkpoint.Restore(ctx, rt, c); err != nil {
		return 1, fmt.Errorf("failed to restore checkpoint %s: %w", path, err)
	}
	a.logger.Info("Resuming from checkpoint.", "path", path, "runID", rt.ID)
	return a.execute(ctx, rt.Resume)
}

// Info summarizes the checkpoint at path.
func (a *App) Info(path string) (*checkpoint.Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()
	return checkpoint.Info(f)
}

func (a *App) execute(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	if a.appCfg.HealthcheckPort > 0 {
		a.healthCheckServer()
		defer a.closeHealthCheckServer()
	}
	code, err := fn(ctx)
	if err != nil {
		return 1, fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Debug("Program finished.", "exitCode", code)
	return code, nil
}

func (a *App) newRuntime(program *lang.Program) (*run.Runtime, error) {
	reg := executioners.FromConfig(a.config)
	for _, ex := range a.appCfg.Executioners {
		reg.Use(ex)
	}
	rt, err := run.New(program, run.Options{
		Config:         a.config,
		Scheduler:      scheduler.New(reg),
		Backends:       reg,
		Natives:        a.appCfg.Natives,
		Stdout:         a.outW,
		Stderr:         a.errW,
		Checkpointer:   checkpoint.Files{},
		CheckpointFile: a.appCfg.CheckpointFile,
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.runtime = rt
	a.mu.Unlock()
	return rt, nil
}

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/specialistvlad/bdsgo/internal/config"
	"github.com/specialistvlad/bdsgo/internal/ctxlog"
	"github.com/specialistvlad/bdsgo/internal/run"
)

// App encapsulates the engine's dependencies, configuration and lifecycle.
type App struct {
	outW   io.Writer
	errW   io.Writer
	ctx    context.Context
	logger *slog.Logger
	config *config.Config
	appCfg *AppConfig

	mu         sync.Mutex
	runtime    *run.Runtime
	httpServer *http.Server
}

// New loads the configuration and builds the App's logger. Logs go to errW,
// program output to outW.
func New(outW, errW io.Writer, appCfg *AppConfig) (*App, error) {
	if appCfg == nil {
		appCfg = &AppConfig{}
	}
	level, format := appCfg.LogLevel, appCfg.LogFormat
	logger := ctxlog.New(level, format, errW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	cfg, err := config.Load(ctx, appCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if level == "" {
		level = cfg.LogLevel
	}
	if format == "" {
		format = cfg.LogFormat
	}
	logger = ctxlog.New(level, format, errW)
	logger.Debug("Logger configured successfully.", "level", level, "format", format)

	return &App{
		outW:   outW,
		errW:   errW,
		ctx:    ctxlog.WithLogger(context.Background(), logger),
		logger: logger,
		config: cfg,
		appCfg: appCfg,
	}, nil
}

// Config returns the loaded engine configuration.
func (a *App) Config() *config.Config { return a.config }

// Runtime returns the runtime of the current or last program, nil before the
// first one.
func (a *App) Runtime() *run.Runtime {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runtime
}

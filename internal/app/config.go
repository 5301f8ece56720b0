package app

import (
	"fmt"

	"github.com/specialistvlad/bdsgo/internal/executioner"
	"github.com/specialistvlad/bdsgo/internal/run"
)

// AppConfig holds the settings of one App that do not come from the HCL
// configuration file.
type AppConfig struct {
	// ConfigPath is the HCL configuration file. Empty or missing means
	// defaults.
	ConfigPath string
	// LogLevel and LogFormat override the configuration file when set.
	LogLevel  string
	LogFormat string
	// HealthcheckPort serves /health and /status while a program runs. Zero
	// disables the server.
	HealthcheckPort int
	// CheckpointFile is the default checkpoint path.
	CheckpointFile string
	// Natives are the functions programs can call by name.
	Natives map[string]run.Native
	// Executioners replace the built-in backend of the same type.
	Executioners []executioner.Executioner
}

// NewConfig validates cfg and returns a copy.
func NewConfig(cfg AppConfig) (*AppConfig, error) {
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("healthcheck port out of range (%d)", cfg.HealthcheckPort)
	}
	return &cfg, nil
}

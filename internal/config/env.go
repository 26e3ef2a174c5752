package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides lists the settings that may be overridden from the process
// environment. Unset variables leave the file/default value in place.
type envOverrides struct {
	LogLevel   string   `env:"SWITCHYARD_LOG_LEVEL"`
	LogFormat  string   `env:"SWITCHYARD_LOG_FORMAT"`
	AppsDirs   []string `env:"SWITCHYARD_APPS_DIRS" envSeparator:":"`
	Marker     string   `env:"SWITCHYARD_MARKER"`
	ScratchDir string   `env:"SWITCHYARD_SCRATCH_DIR"`
	PIDFile    string   `env:"SWITCHYARD_PID_FILE"`
	APIListen  string   `env:"SWITCHYARD_API_LISTEN"`
	APIKey     string   `env:"SWITCHYARD_API_KEY"`
	Sandbox    string   `env:"SWITCHYARD_SANDBOX"`
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.LogLevel != "" {
		cfg.Service.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Service.LogFormat = o.LogFormat
	}
	if len(o.AppsDirs) > 0 {
		cfg.Discovery.Roots = o.AppsDirs
	}
	if o.Marker != "" {
		cfg.Command.Marker = o.Marker
	}
	if o.ScratchDir != "" {
		cfg.Service.ScratchDir = o.ScratchDir
	}
	if o.PIDFile != "" {
		cfg.Service.PIDFile = o.PIDFile
	}
	if o.APIListen != "" {
		cfg.API.Listen = o.APIListen
	}
	if o.APIKey != "" {
		cfg.API.Auth.APIKey = o.APIKey
	}
	if o.Sandbox != "" {
		cfg.Execution.Sandbox = o.Sandbox
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/switchyard/internal/auth"
)

const defaultConfigName = "switchyard.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath. An empty path yields defaults.
// Environment overrides are applied last, then the result is validated.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	baseDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	if strings.TrimSpace(configPath) != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, defaultConfigName)
			if _, err := os.Stat(absPath); err != nil {
				return nil, fmt.Errorf("directory provided but %s not found: %s", defaultConfigName, absPath)
			}
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		integrity, err := verifyBytes(absPath, data)
		if err != nil {
			return nil, fmt.Errorf("verify config integrity: %w", err)
		}
		if !integrity.Passed {
			return nil, fmt.Errorf("config %s changed since it was locked (expected %s, got %s)\n"+
				"If you edited it intentionally, run: switchyard config lock", absPath, integrity.Expected, integrity.Actual)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", absPath, err)
		}
		cfg.SourcePath = absPath
		baseDir = filepath.Dir(absPath)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(cfg)
	resolvePaths(cfg, baseDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds a config file by checking standard locations.
// Priority order: $SWITCHYARD_CONFIG, ~/.config/switchyard/switchyard.yaml, ./switchyard.yaml.
// Returns "" when none exist; callers then run on defaults.
func DiscoverConfigPath() string {
	if p := os.Getenv("SWITCHYARD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "switchyard", defaultConfigName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// Validate checks the configuration for values the router cannot run with.
func Validate(cfg *Config) error {
	if cfg.Command.Marker == "" {
		return fmt.Errorf("command.marker is required")
	}
	if strings.ContainsAny(cfg.Command.Marker, " \t\r\n") {
		return fmt.Errorf("command.marker must not contain whitespace")
	}
	if len(cfg.Discovery.Roots) == 0 {
		return fmt.Errorf("discovery.roots requires at least one directory")
	}
	for i, r := range cfg.Discovery.Roots {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("discovery.roots[%d] is empty", i)
		}
	}
	if cfg.Discovery.Debounce < 0 {
		return fmt.Errorf("discovery.debounce must not be negative")
	}
	if cfg.Execution.GracePeriod <= 0 {
		return fmt.Errorf("execution.grace_period must be positive")
	}
	if cfg.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive")
	}
	switch cfg.Execution.Sandbox {
	case SandboxAuto, SandboxRequired, SandboxOff:
	default:
		return fmt.Errorf("execution.sandbox must be one of auto, required, off (got %q)", cfg.Execution.Sandbox)
	}
	if cfg.Service.ScratchDir == "" {
		return fmt.Errorf("service.scratch_dir is required")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	if cfg.API.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent must not be negative")
	}
	if cfg.API.DefaultTimeout < 0 || cfg.API.MaxTimeout < 0 {
		return fmt.Errorf("api timeouts must not be negative")
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d] has no scopes", i)
		}
		for _, s := range tok.Scopes {
			if !auth.KnownScope(strings.TrimSpace(s)) {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s)
			}
		}
	}
	for id, app := range cfg.Apps {
		for key := range app.Env {
			if !envKeyPattern.MatchString(key) {
				return fmt.Errorf("apps.%s.env: invalid variable name %q", id, key)
			}
		}
	}
	return nil
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// applyConfigDefaults fills zero values left behind by partial YAML documents.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Service.ScratchDir == "" {
		cfg.Service.ScratchDir = d.Service.ScratchDir
	}
	if cfg.Command.Marker == "" {
		cfg.Command.Marker = d.Command.Marker
	}
	if cfg.Execution.GracePeriod == 0 {
		cfg.Execution.GracePeriod = d.Execution.GracePeriod
	}
	if cfg.Execution.MaxOutputBytes == 0 {
		cfg.Execution.MaxOutputBytes = d.Execution.MaxOutputBytes
	}
	if cfg.Execution.HashMaxBytes == 0 {
		cfg.Execution.HashMaxBytes = d.Execution.HashMaxBytes
	}
	if cfg.Execution.Sandbox == "" {
		cfg.Execution.Sandbox = d.Execution.Sandbox
	}
	if cfg.API.MaxConcurrent == 0 {
		cfg.API.MaxConcurrent = d.API.MaxConcurrent
	}
	if cfg.Apps == nil {
		cfg.Apps = make(map[string]AppConf)
	}
}

func resolvePaths(cfg *Config, baseDir string) {
	for i, r := range cfg.Discovery.Roots {
		cfg.Discovery.Roots[i] = resolvePath(baseDir, r)
	}
	for i, p := range cfg.Execution.ProtectedPaths {
		cfg.Execution.ProtectedPaths[i] = resolvePath(baseDir, p)
	}
	for i, p := range cfg.Execution.ReadOnlyPaths {
		cfg.Execution.ReadOnlyPaths[i] = resolvePath(baseDir, p)
	}
	cfg.Service.PIDFile = resolvePath(baseDir, cfg.Service.PIDFile)
	cfg.Service.ScratchDir = resolvePath(baseDir, cfg.Service.ScratchDir)
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

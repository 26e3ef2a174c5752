package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/switchyard/internal/auth"
)

// Config represents the complete switchyard configuration.
type Config struct {
	Service   ServiceConfig      `yaml:"service"`
	Command   CommandConfig      `yaml:"command"`
	Discovery DiscoveryConfig    `yaml:"discovery"`
	Execution ExecutionConfig    `yaml:"execution"`
	API       APIConfig          `yaml:"api,omitempty"`
	Apps      map[string]AppConf `yaml:"apps,omitempty"`

	// SourcePath is the absolute path of the file this config was read from,
	// empty when running on defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	PIDFile    string `yaml:"pid_file"`
	ScratchDir string `yaml:"scratch_dir"`
}

// CommandConfig defines the routing syntax.
type CommandConfig struct {
	Marker string `yaml:"marker"`
}

// DiscoveryConfig defines where applications are found.
type DiscoveryConfig struct {
	Roots    []string      `yaml:"roots"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// ExecutionConfig defines how entry points are run and supervised.
type ExecutionConfig struct {
	GracePeriod    time.Duration `yaml:"grace_period"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	EnvPassthrough []string      `yaml:"env_passthrough"`
	ProtectedPaths []string      `yaml:"protected_paths,omitempty"`
	HashContents   bool          `yaml:"hash_contents"`
	HashMaxBytes   int64         `yaml:"hash_max_bytes"`

	// Sandbox selects Landlock confinement: auto, required or off.
	Sandbox       string   `yaml:"sandbox"`
	ReadOnlyPaths []string `yaml:"read_only_paths,omitempty"`
}

// Sandbox modes.
const (
	SandboxAuto     = "auto"
	SandboxRequired = "required"
	SandboxOff      = "off"
)

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`

	// MaxConcurrent bounds dispatches served at once; extra requests get 503.
	MaxConcurrent  int           `yaml:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey authenticates with every scope.
	APIKey string             `yaml:"api_key"`
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// AppConf holds router-side settings for one application. Values in Env are
// exposed to the application under its namespace prefix.
type AppConf struct {
	Env map[string]string `yaml:"env,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "switchyard",
			LogLevel:   "info",
			LogFormat:  "json",
			PIDFile:    "./data/switchyard.pid",
			ScratchDir: filepath.Join(os.TempDir(), "switchyard"),
		},
		Command: CommandConfig{
			Marker: "/",
		},
		Discovery: DiscoveryConfig{
			Roots:    []string{"./apps"},
			Watch:    true,
			Debounce: 250 * time.Millisecond,
		},
		Execution: ExecutionConfig{
			GracePeriod:    5 * time.Second,
			MaxOutputBytes: 64 * 1024,
			EnvPassthrough: []string{"PATH", "LANG", "LC_ALL", "TZ", "TERM"},
			HashContents:   false,
			HashMaxBytes:   1 << 20,
			Sandbox:        SandboxAuto,
		},
		API: APIConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:8484",
			MaxConcurrent:  16,
			DefaultTimeout: 5 * time.Minute,
			MaxTimeout:     30 * time.Minute,
		},
		Apps: make(map[string]AppConf),
	}
}

// AppEnv returns the configured environment values for an application.
func (c *Config) AppEnv(identifier string) map[string]string {
	if c == nil || c.Apps == nil {
		return nil
	}
	return c.Apps[identifier].Env
}

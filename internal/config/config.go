// internal/config/config.go
//
// This package handles configuration and the .temper directory structure.
// Every project that runs temper gets a .temper/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// TemperDir is the name of the directory we create in each project.
	TemperDir = ".temper"

	defaultScreenSuffix   = "_controller.rb"
	defaultArtifactPrefix = ".temper-"
	defaultBridgeHost     = "127.0.0.1"
	defaultBridgePort     = 4780
	defaultSourceRoot     = "app/controllers"
)

const defaultProjectConfigYAML = `# temper project configuration
version: 1

# Where to look for screens (work units) relative to the project directory.
source_root: app/controllers

# Files matching this suffix are discovered as screens.
screen_suffix: _controller.rb

# Files and directories excluded from discovery.
excluded_names:
  - application_controller.rb
excluded_dirs:
  - concerns

# Command used to invoke the external reasoning tool. The prompt is appended
# as the final argument.
tool:
  command: [claude, -p]
  # timeout: 0s means no per-invocation timeout.
  timeout: 0s

bridge:
  enabled: true
  host: 127.0.0.1
  port: 4780
`

// Duration wraps time.Duration so yaml values like "30s" decode cleanly.
type Duration time.Duration

// UnmarshalYAML parses a duration string; empty and "0" mean no timeout.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ToolConfig describes how to invoke the external reasoning tool.
type ToolConfig struct {
	Command []string `yaml:"command"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// BridgeConfig captures the HTTP control surface settings.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// ProjectConfig models .temper/config.yaml.
type ProjectConfig struct {
	Version        int          `yaml:"version"`
	SourceRoot     string       `yaml:"source_root"`
	ScreenSuffix   string       `yaml:"screen_suffix"`
	ExcludedNames  []string     `yaml:"excluded_names"`
	ExcludedDirs   []string     `yaml:"excluded_dirs"`
	ArtifactPrefix string       `yaml:"artifact_prefix,omitempty"`
	Tool           ToolConfig   `yaml:"tool"`
	Bridge         BridgeConfig `yaml:"bridge"`
}

// Config holds the runtime configuration for temper.
type Config struct {
	// ProjectDir is the directory where the user ran `temper` from.
	ProjectDir string

	// TemperProjectDir is ProjectDir/.temper.
	TemperProjectDir string

	Project ProjectConfig
}

// InitTemperDir creates the .temper directory structure in the given project
// directory. Called on startup before anything else touches the project.
//
// Structure created:
// .temper/
// ├── logs/    <- operational log lines
// └── state/   <- logbook and other persisted state
func InitTemperDir(projectDir string) error {
	temperDir := filepath.Join(projectDir, TemperDir)

	dirs := []string{
		filepath.Join(temperDir, "logs"),
		filepath.Join(temperDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(temperDir, "config.yaml"))
}

// NewConfig creates a Config populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:       projectDir,
		TemperProjectDir: filepath.Join(projectDir, TemperDir),
		Project:          defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.TemperProjectDir, "logs")
}

// StateDir returns the path to the state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.TemperProjectDir, "state")
}

// SourceRoot returns the absolute path of the directory scanned during
// discovery.
func (c *Config) SourceRoot() string {
	root := c.Project.SourceRoot
	if filepath.IsAbs(root) {
		return filepath.Clean(root)
	}
	return filepath.Join(c.ProjectDir, root)
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.TemperProjectDir, "config.yaml")
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:        1,
		SourceRoot:     defaultSourceRoot,
		ScreenSuffix:   defaultScreenSuffix,
		ExcludedNames:  []string{"application_controller.rb"},
		ExcludedDirs:   []string{"concerns"},
		ArtifactPrefix: defaultArtifactPrefix,
		Tool: ToolConfig{
			Command: []string{"claude", "-p"},
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Host:    defaultBridgeHost,
			Port:    defaultBridgePort,
		},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if strings.TrimSpace(pc.SourceRoot) == "" {
		pc.SourceRoot = defaultSourceRoot
	}
	if strings.TrimSpace(pc.ScreenSuffix) == "" {
		pc.ScreenSuffix = defaultScreenSuffix
	}
	if strings.TrimSpace(pc.ArtifactPrefix) == "" {
		pc.ArtifactPrefix = defaultArtifactPrefix
	}
	if len(pc.Tool.Command) == 0 {
		pc.Tool.Command = []string{"claude", "-p"}
	}
	if pc.Bridge.Host == "" {
		pc.Bridge.Host = defaultBridgeHost
	}
	if pc.Bridge.Port == 0 {
		pc.Bridge.Port = defaultBridgePort
	}
}

func (pc *ProjectConfig) normalize() {
	pc.SourceRoot = strings.TrimSpace(pc.SourceRoot)
	pc.ScreenSuffix = strings.TrimSpace(pc.ScreenSuffix)
	pc.ExcludedNames = trimAll(pc.ExcludedNames)
	pc.ExcludedDirs = trimAll(pc.ExcludedDirs)
	for i, arg := range pc.Tool.Command {
		pc.Tool.Command[i] = strings.TrimSpace(arg)
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.SourceRoot == "" {
		return fmt.Errorf("source_root is required")
	}
	if pc.ScreenSuffix == "" {
		return fmt.Errorf("screen_suffix is required")
	}
	if len(pc.Tool.Command) == 0 || pc.Tool.Command[0] == "" {
		return fmt.Errorf("tool.command is required")
	}
	if pc.Tool.Timeout < 0 {
		return fmt.Errorf("tool.timeout must be >= 0")
	}
	if pc.Bridge.Port < 0 || pc.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port must be a valid TCP port")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}

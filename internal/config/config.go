// Package config manages the hopscotch.toml configuration and the on-disk
// layout of a supervision root: branch workspaces, log files, signal
// directory, and the bare remote.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigFile = "hopscotch.toml"
	EnvRoot    = "HOPSCOTCH_ROOT"

	BootstrapLogFile = "bootstrap.log"
	ErrorsLogFile    = "errors.log"
	WatcherLockFile  = "watcher.lock"
)

// Config represents one supervision root
type Config struct {
	Project       string `toml:"project"`
	MainBranch    string `toml:"main_branch"`
	Remote        string `toml:"remote"`
	WorkspaceRoot string `toml:"workspace_root"`
	LogDir        string `toml:"log_dir"`
	SignalDir     string `toml:"signal_dir"`

	Watcher WatcherConfig `toml:"watcher"`
	Runner  RunnerConfig  `toml:"runner"`
	LLM     LLMConfig     `toml:"llm"`

	root string // directory containing the config file
}

// WatcherConfig tunes the supervisor daemon
type WatcherConfig struct {
	PollInterval   string   `toml:"poll_interval"`
	RunnerCommand  []string `toml:"runner_command"` // empty: this binary's run command
	TerminateGrace string   `toml:"terminate_grace"`
	MaxCPUPercent  float64  `toml:"max_cpu_percent"` // 0 disables the check
	MaxLogBytes    int64    `toml:"max_log_bytes"`   // 0 disables the check
}

// RunnerConfig tunes the agent process
type RunnerConfig struct {
	DirectiveInterval string   `toml:"directive_interval"`
	WorkInterval      string   `toml:"work_interval"`
	MaxToolIterations int      `toml:"max_tool_iterations"`
	CommandTimeout    string   `toml:"command_timeout"`
	ValidateCommand   []string `toml:"validate_command"` // empty: model-judged validation
}

// LLMConfig points the runner at an OpenAI-compatible endpoint
type LLMConfig struct {
	BaseURL   string `toml:"base_url"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
}

// FindRoot locates the supervision root by walking up from the current
// directory until a hopscotch.toml is found. HOPSCOTCH_ROOT overrides the
// search.
func FindRoot() (string, error) {
	if root := os.Getenv(EnvRoot); root != "" {
		if _, err := os.Stat(filepath.Join(root, ConfigFile)); err != nil {
			return "", fmt.Errorf("%s=%s does not contain %s", EnvRoot, root, ConfigFile)
		}
		return root, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil && !info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a hopscotch root (no %s up to filesystem root)", ConfigFile)
		}
		dir = parent
	}
}

// Load finds the root and loads its configuration
func Load() (*Config, error) {
	root, err := FindRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadFrom loads the configuration stored in the given root directory
func LoadFrom(root string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.root = root
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes the configuration back to its root
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(c.root, ConfigFile), data, 0644)
}

// Initialize creates a new supervision root with default configuration
func Initialize(root string) (*Config, error) {
	if _, err := os.Stat(filepath.Join(root, ConfigFile)); err == nil {
		return nil, fmt.Errorf("hopscotch root already exists at %s", root)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	cfg := &Config{root: root}
	cfg.applyDefaults()

	for _, dir := range []string{cfg.WorkspacePath(), cfg.LogPath(), cfg.SignalPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Project == "" {
		c.Project = "agent"
	}
	if c.MainBranch == "" {
		c.MainBranch = "main"
	}
	if c.Remote == "" {
		c.Remote = "remote.git"
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "branches"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.SignalDir == "" {
		c.SignalDir = ".signal"
	}
	if c.Watcher.PollInterval == "" {
		c.Watcher.PollInterval = "10m"
	}
	if c.Watcher.TerminateGrace == "" {
		c.Watcher.TerminateGrace = "10s"
	}
	if c.Runner.DirectiveInterval == "" {
		c.Runner.DirectiveInterval = "10m"
	}
	if c.Runner.WorkInterval == "" {
		c.Runner.WorkInterval = "2m"
	}
	if c.Runner.MaxToolIterations == 0 {
		c.Runner.MaxToolIterations = 40
	}
	if c.Runner.CommandTimeout == "" {
		c.Runner.CommandTimeout = "2m"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:8000/v1"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "HOPSCOTCH_API_KEY"
	}
}

// resolve turns a possibly relative configured path into an absolute one
func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.root, p)
}

// Root returns the directory containing the config file
func (c *Config) Root() string { return c.root }

// RemotePath returns the location of the bare git remote
func (c *Config) RemotePath() string { return c.resolve(c.Remote) }

// WorkspacePath returns the directory holding per-branch workspaces
func (c *Config) WorkspacePath() string { return c.resolve(c.WorkspaceRoot) }

// LogPath returns the directory holding bootstrap.log and errors.log
func (c *Config) LogPath() string { return c.resolve(c.LogDir) }

// SignalPath returns the signal directory
func (c *Config) SignalPath() string { return c.resolve(c.SignalDir) }

// BootstrapLogPath returns the bootstrap log file location
func (c *Config) BootstrapLogPath() string {
	return filepath.Join(c.LogPath(), BootstrapLogFile)
}

// ErrorsLogPath returns the agent output log file location
func (c *Config) ErrorsLogPath() string {
	return filepath.Join(c.LogPath(), ErrorsLogFile)
}

// WatcherLockPath returns the single-instance lock file location
func (c *Config) WatcherLockPath() string {
	return filepath.Join(c.LogPath(), WatcherLockFile)
}

// APIKey reads the LLM API key from the configured environment variable
func (c *Config) APIKey() string {
	return os.Getenv(c.LLM.APIKeyEnv)
}

// PollInterval returns the watcher tick interval
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Watcher.PollInterval, 10*time.Minute)
}

// TerminateGrace returns how long the watcher waits between TERM and KILL
func (c *Config) TerminateGrace() time.Duration {
	return parseDuration(c.Watcher.TerminateGrace, 10*time.Second)
}

// DirectiveInterval returns the maximum staleness of operator directives
func (c *Config) DirectiveInterval() time.Duration {
	return parseDuration(c.Runner.DirectiveInterval, 10*time.Minute)
}

// WorkInterval returns the sleep between agent work units
func (c *Config) WorkInterval() time.Duration {
	return parseDuration(c.Runner.WorkInterval, 2*time.Minute)
}

// CommandTimeout returns the shell tool execution timeout
func (c *Config) CommandTimeout() time.Duration {
	return parseDuration(c.Runner.CommandTimeout, 2*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Package config handles ctfagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ctf-agent/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/ctfagent/config.yaml, /etc/ctfagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ctfagent", "config.yaml"))
	}

	paths = append(paths, "/etc/ctfagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ctfagent configuration.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Loop       LoopConfig       `yaml:"loop"`
	Router     RouterConfig     `yaml:"router"`
	Tools      ToolsConfig      `yaml:"tools"`
	Confirm    ConfirmConfig    `yaml:"confirm"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// LLMConfig selects the text generation provider and per-role models.
type LLMConfig struct {
	Provider string `yaml:"provider"` // ollama or openai
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Models   Models `yaml:"models"`
	// Timeout bounds a single generation call.
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit caps generation calls per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Models maps each agent role to a model name. Empty roles use Default.
type Models struct {
	Default    string `yaml:"default"`
	Planner    string `yaml:"planner"`
	Analyzer   string `yaml:"analyzer"`
	Compressor string `yaml:"compressor"`
	Classifier string `yaml:"classifier"`
}

// For returns the model configured for role, falling back to Default.
func (m Models) For(role string) string {
	var v string
	switch role {
	case "planner":
		v = m.Planner
	case "analyzer":
		v = m.Analyzer
	case "compressor":
		v = m.Compressor
	case "classifier":
		v = m.Classifier
	}
	if v == "" {
		return m.Default
	}
	return v
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // ollama or openai; defaults to llm.provider
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseurl"` // defaults to llm.url
}

// MemoryConfig tunes the tiered memory store.
type MemoryConfig struct {
	CompressionThreshold int     `yaml:"compression_threshold"`
	KeepLast             int     `yaml:"keep_last"`
	ForgetThreshold      float64 `yaml:"forget_threshold"`
	KeyFactWindow        int     `yaml:"key_fact_window"`
	MaxKeyFacts          int     `yaml:"max_key_facts"`
	BlockWindow          int     `yaml:"block_window"`
	// MaxBlocks bounds retained compressed blocks. Zero keeps all of them.
	MaxBlocks   int `yaml:"max_blocks"`
	ArchiveTopK int `yaml:"archive_top_k"`
}

// LoopConfig controls the orchestration loop.
type LoopConfig struct {
	MaxSteps        int           `yaml:"max_steps"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AutoMode        bool          `yaml:"auto_mode"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	// ActionTimeout bounds each tool call within a step.
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	ActionParallelism int           `yaml:"action_parallelism"`
}

// RouterConfig controls capability narrowing.
type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
	// SearchThreshold is the narrowed tool count above which semantic
	// recommendation kicks in.
	SearchThreshold int `yaml:"search_threshold"`
	TopK            int `yaml:"top_k"`
	MaxAuditLog     int `yaml:"max_audit_log"`
}

// ToolsConfig enables the built-in capabilities and MCP servers.
type ToolsConfig struct {
	ShellExec ShellExecConfig   `yaml:"shell_exec"`
	Python    PythonConfig      `yaml:"python"`
	SSH       SSHConfig         `yaml:"ssh"`
	HTTP      HTTPToolConfig    `yaml:"http"`
	Search    SearchToolConfig  `yaml:"search"`
	MCP       []MCPServerConfig `yaml:"mcp"`
	// Attachments are files or directories handed out with the problem.
	// A directory contributes the regular files directly inside it.
	Attachments []string `yaml:"attachments"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// PythonConfig configures the python_exec capability. When Remote is
// set, scripts run on the SSH host instead of locally.
type PythonConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interpreter string        `yaml:"interpreter"`
	Timeout     time.Duration `yaml:"timeout"`
	Remote      bool          `yaml:"remote"`
}

// SSHConfig configures the ssh_shell capability, which runs commands on
// a remote attack box.
type SSHConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
	// KnownHosts is a known_hosts file. When empty, host keys are only
	// accepted if InsecureIgnoreHostKey is set.
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout"`
}

// HTTPToolConfig configures the http_request capability.
type HTTPToolConfig struct {
	Enabled            bool `yaml:"enabled"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	PreviewBytes       int  `yaml:"preview_bytes"`
}

// SearchToolConfig configures the web_search capability. Provider is
// "searxng" (URL required) or "brave" (APIKey required).
type SearchToolConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider"`
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// MCPServerConfig describes one stdio MCP server whose tools are bridged
// into the capability registry.
type MCPServerConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// ConfirmConfig selects the confirmation medium.
type ConfirmConfig struct {
	Mode    string        `yaml:"mode"`  // console or websocket
	URL     string        `yaml:"url"`   // websocket endpoint
	Token   string        `yaml:"token"` // bearer token for the websocket peer
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig exposes prometheus metrics.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// Load reads configuration from a YAML file. Unset fields keep the
// values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	paths.ExpandAll(
		&cfg.DataDir,
		&cfg.Tools.ShellExec.WorkingDir,
		&cfg.Tools.SSH.KeyFile,
		&cfg.Tools.SSH.KnownHosts,
	)
	for i := range cfg.Tools.Attachments {
		paths.ExpandAll(&cfg.Tools.Attachments[i])
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "ollama",
			URL:      "http://localhost:11434",
			Models:   Models{Default: "qwen2.5:14b"},
			Timeout:  120 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Model: "nomic-embed-text",
		},
		Memory: MemoryConfig{
			CompressionThreshold: 7,
			KeepLast:             4,
			ForgetThreshold:      0.6,
			KeyFactWindow:        10,
			MaxKeyFacts:          64,
			BlockWindow:          3,
			ArchiveTopK:          3,
		},
		Loop: LoopConfig{
			MaxSteps:          15,
			RetryDelay:        10 * time.Second,
			CheckpointEvery:   1,
			ActionTimeout:     5 * time.Minute,
			ActionParallelism: 4,
		},
		Router: RouterConfig{
			Enabled:         true,
			SearchThreshold: 12,
			TopK:            5,
			MaxAuditLog:     200,
		},
		Tools: ToolsConfig{
			Python: PythonConfig{Interpreter: "python3", Timeout: 30 * time.Second},
			SSH:    SSHConfig{Port: 22, Timeout: 60 * time.Second},
			HTTP:   HTTPToolConfig{Enabled: true, PreviewBytes: 2000},
			Search: SearchToolConfig{Provider: "searxng", MaxResults: 5},
		},
		Confirm: ConfirmConfig{
			Mode:    "console",
			Timeout: 5 * time.Minute,
		},
		DataDir: "./data",
	}
}

// Validate reports configuration that would prevent a run from starting.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unsupported %q (expected ollama or openai)", c.LLM.Provider))
	}
	if c.LLM.Models.Default == "" {
		errs = append(errs, errors.New("llm.models.default is required"))
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required for the openai provider"))
	}
	if c.Memory.CompressionThreshold < 1 {
		errs = append(errs, errors.New("memory.compression_threshold must be at least 1"))
	}
	if c.Memory.KeepLast < 0 || c.Memory.KeepLast > c.Memory.CompressionThreshold {
		errs = append(errs, fmt.Errorf("memory.keep_last must be between 0 and compression_threshold (%d)", c.Memory.CompressionThreshold))
	}
	if c.Memory.ForgetThreshold <= 0 || c.Memory.ForgetThreshold > 1 {
		errs = append(errs, errors.New("memory.forget_threshold must be in (0, 1]"))
	}
	if c.Loop.MaxSteps < 1 {
		errs = append(errs, errors.New("loop.max_steps must be at least 1"))
	}
	switch c.Confirm.Mode {
	case "console", "":
	case "websocket":
		if c.Confirm.URL == "" {
			errs = append(errs, errors.New("confirm.url is required for websocket mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("confirm.mode: unsupported %q", c.Confirm.Mode))
	}
	if c.Tools.SSH.Enabled {
		if c.Tools.SSH.Host == "" || c.Tools.SSH.User == "" {
			errs = append(errs, errors.New("tools.ssh: host and user are required"))
		}
		if c.Tools.SSH.Password == "" && c.Tools.SSH.KeyFile == "" {
			errs = append(errs, errors.New("tools.ssh: password or key_file is required"))
		}
	}
	if c.Tools.Python.Enabled && c.Tools.Python.Remote && !c.Tools.SSH.Enabled {
		errs = append(errs, errors.New("tools.python.remote requires tools.ssh"))
	}
	if c.Tools.Search.Enabled {
		switch c.Tools.Search.Provider {
		case "searxng":
			if c.Tools.Search.URL == "" {
				errs = append(errs, errors.New("tools.search.url is required for searxng"))
			}
		case "brave":
			if c.Tools.Search.APIKey == "" {
				errs = append(errs, errors.New("tools.search.api_key is required for brave"))
			}
		default:
			errs = append(errs, fmt.Errorf("tools.search.provider: unsupported %q", c.Tools.Search.Provider))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unsupported %q (expected text or json)", c.LogFormat))
	}
	for i, s := range c.Tools.MCP {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("tools.mcp[%d]: name and command are required", i))
		}
	}
	return errors.Join(errs...)
}

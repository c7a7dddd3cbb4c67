// Package config handles loading and validating capibara configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for capibara.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.capibara. Override: CAPIBARA_WORKSPACE env var.
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`     // nil = defaults
	Generator     GeneratorConfig      `json:"generator" yaml:"generator"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = serve with defaults
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under the workspace data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Sweep         *SweepConfig         `json:"sweep,omitempty" yaml:"sweep,omitempty"`                 // nil = integrity sweep disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// SandboxConfig tunes script execution.
type SandboxConfig struct {
	PythonBin             string `json:"python_bin,omitempty" yaml:"python_bin,omitempty"`       // Default: "python3".
	TimeoutSeconds        int    `json:"timeout_seconds" yaml:"timeout_seconds"`                 // Default: 30.
	InstallTimeoutSeconds int    `json:"install_timeout_seconds" yaml:"install_timeout_seconds"` // Default: 60.
	MaxCPUSeconds         int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                 // Default: 60.
	MaxMemoryMB           int    `json:"max_memory_mb" yaml:"max_memory_mb"`                     // Default: 512.
}

// Python returns the interpreter binary, defaulting to "python3".
func (s *SandboxConfig) Python() string {
	if s != nil && s.PythonBin != "" {
		return s.PythonBin
	}
	return "python3"
}

// Timeout returns the script execution timeout. Default: 30s.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// InstallTimeout returns the dependency install timeout. Default: 60s.
func (s *SandboxConfig) InstallTimeout() time.Duration {
	if s != nil && s.InstallTimeoutSeconds > 0 {
		return time.Duration(s.InstallTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// CPULimit returns the CPU-seconds ulimit. Default: 60.
func (s *SandboxConfig) CPULimit() int {
	if s != nil && s.MaxCPUSeconds > 0 {
		return s.MaxCPUSeconds
	}
	return 60
}

// MemoryLimitMB returns the virtual memory ulimit in MB. Default: 512.
func (s *SandboxConfig) MemoryLimitMB() int {
	if s != nil && s.MaxMemoryMB > 0 {
		return s.MaxMemoryMB
	}
	return 512
}

// GeneratorConfig selects how scripts are generated.
type GeneratorConfig struct {
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"` // "llm" (default when a provider key is configured) or "template".
}

// ProvidersConfig configures LLM providers for script generation.
type ProvidersConfig struct {
	Default string          `json:"default,omitempty" yaml:"default,omitempty"` // Default: "groq".
	Groq    ProviderConfig  `json:"groq" yaml:"groq"`
	OpenAI  ProviderConfig  `json:"openai" yaml:"openai"`
	Ollama  *ProviderConfig `json:"ollama,omitempty" yaml:"ollama,omitempty"` // nil = Ollama not configured.
}

// ProviderConfig holds per-provider credentials and model selection.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// DefaultProvider returns the configured default provider name.
func (p *ProvidersConfig) DefaultProvider() string {
	if p.Default != "" {
		return p.Default
	}
	return "groq"
}

// GatewayConfig configures the HTTP service (serve mode).
type GatewayConfig struct {
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8080".
	AuthToken  string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`   // Empty = no auth. Override: CAPIBARA_API_TOKEN env var.
}

// Addr returns the listen address, defaulting to ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// Token returns the bearer token required by the API. Empty = open.
func (g *GatewayConfig) Token() string {
	if g != nil {
		return g.AuthToken
	}
	return ""
}

// StorageConfig configures run history persistence.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver string               `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite" (default).
	SQLite *SQLiteStorageConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`                 // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"` // "wal" (default), "delete", "truncate", etc.
}

// Journal returns the journal mode, defaulting to "wal".
func (s *SQLiteStorageConfig) Journal() string {
	if s != nil && s.JournalMode != "" {
		return s.JournalMode
	}
	return "wal"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "capibara"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// SweepConfig configures the background cache integrity sweep.
type SweepConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // 5-field cron expression. Default: "0 * * * *" (hourly).
}

// CronSpec returns the sweep schedule, defaulting to hourly.
func (s *SweepConfig) CronSpec() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "0 * * * *"
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env", "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/capibara.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".capibara", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys and the gateway token can be set in the
// config file or overridden by environment variables; env vars take
// precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a usable configuration without a config file, with env
// overrides applied. This is the CLI path when no --config is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("GROQ_API_KEY"); envKey != "" {
		c.Providers.Groq.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envWS := os.Getenv("CAPIBARA_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envToken := os.Getenv("CAPIBARA_API_TOKEN"); envToken != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{}
		}
		c.Gateway.AuthToken = envToken
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// GeneratorMode returns the effective generation mode: the configured
// mode when set, otherwise "llm" if the default provider has an API key
// and "template" if not.
func (c *Config) GeneratorMode() string {
	if c.Generator.Mode != "" {
		return c.Generator.Mode
	}
	if c.ProviderAPIKey(c.Providers.DefaultProvider()) != "" {
		return "llm"
	}
	return "template"
}

// ProviderAPIKey returns the API key configured for a provider name.
func (c *Config) ProviderAPIKey(name string) string {
	switch name {
	case "groq":
		return c.Providers.Groq.APIKey
	case "openai":
		return c.Providers.OpenAI.APIKey
	case "ollama":
		// Ollama runs locally and needs no key.
		return ""
	}
	return ""
}

func (c *Config) validate() error {
	switch mode := c.Generator.Mode; mode {
	case "", "llm", "template":
	default:
		return fmt.Errorf("generator.mode must be \"llm\" or \"template\", got %q", mode)
	}

	switch name := c.Providers.DefaultProvider(); name {
	case "groq", "openai":
	case "ollama":
		if c.Providers.Ollama == nil || c.Providers.Ollama.BaseURL == "" {
			return fmt.Errorf("providers.ollama.base_url is required when ollama is the default provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", name)
	}

	if c.Generator.Mode == "llm" {
		name := c.Providers.DefaultProvider()
		if name != "ollama" && c.ProviderAPIKey(name) == "" {
			return fmt.Errorf("generator.mode is \"llm\" but no API key is configured for provider %q", name)
		}
	}

	if s := c.Sandbox; s != nil {
		if s.TimeoutSeconds < 0 || s.InstallTimeoutSeconds < 0 {
			return fmt.Errorf("sandbox timeouts must not be negative")
		}
	}

	if c.Storage.StorageDriver() != "sqlite" {
		return fmt.Errorf("unsupported storage driver %q", c.Storage.StorageDriver())
	}

	if t := c.tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be \"grpc\" or \"http\", got %q", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}

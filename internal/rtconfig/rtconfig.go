// Package rtconfig loads the runtime's TOML configuration, adapted from the
// teacher's own internal/config/config.go: same decode-with-defaults shape,
// generalized from one agent's settings to the settings an AgentRuntime needs
// to load graphs, reach an LLM provider, and expose triggers.
package rtconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the root of runtime.toml (or whatever file is passed to LoadFile).
type Config struct {
	Runtime   RuntimeConfig     `toml:"runtime"`
	LLM       LLMConfig         `toml:"llm"`
	Storage   StorageConfig     `toml:"storage"`
	Telemetry TelemetryConfig   `toml:"telemetry"`
	MCP       MCPConfig         `toml:"mcp"`
	Webhook   WebhookConfig     `toml:"webhook"`
	Tailscale TailscaleConfig   `toml:"tailscale"`
	Bus       BusConfig         `toml:"bus"`
	Security  SecurityConfig    `toml:"security"`
}

// RuntimeConfig identifies this runtime instance and where it finds graphs.
type RuntimeConfig struct {
	ID         string   `toml:"id"`
	GraphPaths []string `toml:"graph_paths"` // YAML files or directories scanned for GraphSpecs
}

// LLMConfig configures the default model the executor talks to.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`
	MaxRetries   int    `toml:"max_retries"`
	RetryBackoff string `toml:"retry_backoff"`
}

// StorageConfig is the filesystem root everything else hangs off of.
type StorageConfig struct {
	Path         string `toml:"path"`          // base dir for sessions, checkpoints, recall indexes
	CatalogDB    bool   `toml:"catalog_db"`    // enable the SQLite session-listing catalog
}

// TelemetryConfig configures the OTel exporter.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"`
	Protocol string            `toml:"protocol"`
	Insecure bool              `toml:"insecure"`
	Headers  map[string]string `toml:"headers"`
}

// MCPConfig declares MCP tool servers the toolsbridge should connect to.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	DeniedTools []string          `toml:"denied_tools,omitempty"`
}

// WebhookConfig configures TriggerSources' embedded HTTP listener.
type WebhookConfig struct {
	ListenAddr string `toml:"listen_addr"`
	SecretEnv  string `toml:"secret_env"` // env var holding the HMAC signing secret
}

// TailscaleConfig opts the webhook listener into a tsnet tailnet listener
// instead of a bare public port.
type TailscaleConfig struct {
	Enabled    bool   `toml:"enabled"`
	Hostname   string `toml:"hostname"`
	AuthKeyEnv string `toml:"auth_key_env"`
	StateDir   string `toml:"state_dir"`
}

// BusConfig configures the EventBus's optional out-of-process mirror.
type BusConfig struct {
	NATSURL       string `toml:"nats_url"`
	MirrorSubject string `toml:"mirror_subject"`
}

// SecurityConfig configures the executor's three-tier tool-call verifier:
// static pattern match, small-model triage, and supervisor escalation.
type SecurityConfig struct {
	Mode              string   `toml:"mode"`               // "default", "paranoid", or "research"
	ResearchScope     string   `toml:"research_scope"`     // required when mode is "research"
	UserTrust         string   `toml:"user_trust"`         // "untrusted", "vetted", or "trusted"
	TriageProvider    string   `toml:"triage_provider"`    // small/cheap model used for tier-2 triage; empty skips tier 2
	TriageModel       string   `toml:"triage_model"`
	ExternalToolNames []string `toml:"external_tool_names"` // built-in tools whose results get tainted as untrusted
}

// New returns a Config with the same defaults the teacher's config.New sets:
// sane fallbacks so a minimal or empty file still produces a workable runtime.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens:    4096,
			MaxRetries:   5,
			RetryBackoff: "60s",
		},
		Storage: StorageConfig{
			Path:      "~/.local/agentgraph",
			CatalogDB: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Webhook: WebhookConfig{
			ListenAddr: ":8080",
		},
		Bus: BusConfig{
			MirrorSubject: "agentgraph.events",
		},
		Security: SecurityConfig{
			Mode:      "default",
			UserTrust: "untrusted",
		},
	}
}

// LoadFile loads configuration from a TOML file, layered onto New()'s
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("rtconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads runtime.toml from the current working directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("rtconfig: getwd: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "runtime.toml"))
}

// GetAPIKey returns the API key for the default LLM config from its
// configured environment variable, falling back to the provider's standard
// variable name.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the conventional environment variable name for a
// known provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// ExpandedStoragePath resolves a leading "~" in Storage.Path against the
// user's home directory.
func (c *Config) ExpandedStoragePath() (string, error) {
	if c.Storage.Path == "" || c.Storage.Path[0] != '~' {
		return c.Storage.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("rtconfig: resolve home dir: %w", err)
	}
	return filepath.Join(home, c.Storage.Path[1:]), nil
}

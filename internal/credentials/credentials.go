// Package credentials loads provider API keys from a credentials.toml file,
// adapted from the teacher's src/internal/credentials package, satisfying the
// runtime's creds.Get(name, account?) -> secret external interface.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Credentials holds API keys loaded from credentials.toml.
type Credentials struct {
	Anthropic *ProviderCreds `toml:"anthropic"`
	OpenAI    *ProviderCreds `toml:"openai"`
	Google    *ProviderCreds `toml:"google"`
	Mistral   *ProviderCreds `toml:"mistral"`
	Groq      *ProviderCreds `toml:"groq"`
	Webhook   *ProviderCreds `toml:"webhook"` // HMAC signing secret for TriggerSources
}

// ProviderCreds holds one provider's secret.
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// StandardPaths returns the standard credential file locations, in priority
// order: current directory first, then the user's config dir, then a
// dotfile fallback.
func StandardPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentgraph", "credentials.toml"))
		paths = append(paths, filepath.Join(home, ".agentgraph", "credentials.toml"))
	}
	return paths
}

// Load loads credentials from the first standard location that exists. A
// missing file at every location is not an error.
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil
}

// LoadFile loads credentials from a specific file.
func LoadFile(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", path, err)
	}
	return &creds, nil
}

// Get resolves a named secret the way the runtime's external interface
// requires: name is the provider ("anthropic", "openai", ...), account is
// currently unused (reserved for multi-account setups) but kept in the
// signature so callers don't need to change when that lands.
func (c *Credentials) Get(name, account string) (string, bool) {
	if c == nil {
		return "", false
	}
	var pc *ProviderCreds
	switch name {
	case "anthropic":
		pc = c.Anthropic
	case "openai":
		pc = c.OpenAI
	case "google":
		pc = c.Google
	case "mistral":
		pc = c.Mistral
	case "groq":
		pc = c.Groq
	case "webhook":
		pc = c.Webhook
	}
	if pc == nil || pc.APIKey == "" {
		return "", false
	}
	return pc.APIKey, true
}

// Apply sets environment variables from loaded credentials, without
// overwriting anything already set in the environment (e.g. from a .env
// file godotenv already loaded).
func (c *Credentials) Apply() {
	if c == nil {
		return
	}
	setIfEmpty := func(key string, pc *ProviderCreds) {
		if pc != nil && pc.APIKey != "" && os.Getenv(key) == "" {
			os.Setenv(key, pc.APIKey)
		}
	}
	setIfEmpty("ANTHROPIC_API_KEY", c.Anthropic)
	setIfEmpty("OPENAI_API_KEY", c.OpenAI)
	setIfEmpty("GOOGLE_API_KEY", c.Google)
	setIfEmpty("MISTRAL_API_KEY", c.Mistral)
	setIfEmpty("GROQ_API_KEY", c.Groq)
}

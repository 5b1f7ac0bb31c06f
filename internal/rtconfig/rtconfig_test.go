package rtconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_ParsesRuntimeAndLLMSections(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "runtime.toml")
	os.WriteFile(configPath, []byte(`
[runtime]
id = "test-runtime"
graph_paths = ["graphs/triage.yaml"]

[llm]
provider = "anthropic"
model = "claude-3-5-sonnet"
api_key_env = "ANTHROPIC_API_KEY"
max_tokens = 8192
`), 0644)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Runtime.ID != "test-runtime" {
		t.Errorf("expected id 'test-runtime', got %s", cfg.Runtime.ID)
	}
	if len(cfg.Runtime.GraphPaths) != 1 || cfg.Runtime.GraphPaths[0] != "graphs/triage.yaml" {
		t.Errorf("unexpected graph paths: %v", cfg.Runtime.GraphPaths)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.Model != "claude-3-5-sonnet" {
		t.Errorf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.LLM.MaxTokens != 8192 {
		t.Errorf("expected max_tokens 8192, got %d", cfg.LLM.MaxTokens)
	}
}

func TestLoadFile_RetainsDefaultsForUnsetFields(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "runtime.toml")
	os.WriteFile(configPath, []byte(`
[runtime]
id = "minimal"
`), 0644)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.LLM.MaxTokens != 4096 {
		t.Errorf("expected default max_tokens 4096, got %d", cfg.LLM.MaxTokens)
	}
	if cfg.Webhook.ListenAddr != ":8080" {
		t.Errorf("expected default listen_addr ':8080', got %s", cfg.Webhook.ListenAddr)
	}
}

func TestLoadDefault_ReadsRuntimeTomlFromCWD(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(tmpDir)

	os.WriteFile("runtime.toml", []byte(`
[runtime]
id = "cwd-runtime"
`), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Runtime.ID != "cwd-runtime" {
		t.Errorf("expected id 'cwd-runtime', got %s", cfg.Runtime.ID)
	}
}

func TestGetAPIKey_FallsBackToProviderDefaultEnvVar(t *testing.T) {
	os.Unsetenv("ANTHROPIC_API_KEY")
	defer os.Unsetenv("ANTHROPIC_API_KEY")
	os.Setenv("ANTHROPIC_API_KEY", "sk-test-123")

	cfg := New()
	cfg.LLM.Provider = "anthropic"

	if got := cfg.GetAPIKey(); got != "sk-test-123" {
		t.Errorf("expected sk-test-123, got %q", got)
	}
}

func TestExpandedStoragePath_ResolvesTilde(t *testing.T) {
	cfg := New()
	cfg.Storage.Path = "~/agentgraph-data"

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir in test environment: %v", err)
	}

	got, err := cfg.ExpandedStoragePath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join(home, "agentgraph-data")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

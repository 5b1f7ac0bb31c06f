package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStandardPaths(t *testing.T) {
	paths := StandardPaths()
	if len(paths) < 2 {
		t.Errorf("expected at least 2 standard paths, got %d", len(paths))
	}
	if paths[0] != "credentials.toml" {
		t.Errorf("first path should be credentials.toml, got %s", paths[0])
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	credPath := filepath.Join(tmpDir, "credentials.toml")

	content := `
[anthropic]
api_key = "sk-ant-test123"

[webhook]
api_key = "whsec-test789"
`
	os.WriteFile(credPath, []byte(content), 0600)

	creds, err := LoadFile(credPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.Anthropic == nil || creds.Anthropic.APIKey != "sk-ant-test123" {
		t.Errorf("anthropic key not loaded correctly")
	}
	if creds.Webhook == nil || creds.Webhook.APIKey != "whsec-test789" {
		t.Errorf("webhook secret not loaded correctly")
	}
}

func TestGet_ReturnsFalseForUnconfiguredProvider(t *testing.T) {
	creds := &Credentials{}
	if _, ok := creds.Get("anthropic", ""); ok {
		t.Error("expected ok=false for unconfigured provider")
	}
}

func TestGet_ReturnsKeyForConfiguredProvider(t *testing.T) {
	creds := &Credentials{Anthropic: &ProviderCreds{APIKey: "sk-ant-abc"}}
	key, ok := creds.Get("anthropic", "")
	if !ok || key != "sk-ant-abc" {
		t.Errorf("expected sk-ant-abc, got %q (%v)", key, ok)
	}
}

func TestLoad_NoFileFoundIsNotAnError(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(tmpDir)

	creds, path, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds != nil || path != "" {
		t.Errorf("expected nil creds and empty path, got %+v %q", creds, path)
	}
}

func TestApply_DoesNotOverwriteExistingEnv(t *testing.T) {
	os.Setenv("ANTHROPIC_API_KEY", "already-set")
	defer os.Unsetenv("ANTHROPIC_API_KEY")

	creds := &Credentials{Anthropic: &ProviderCreds{APIKey: "from-file"}}
	creds.Apply()

	if got := os.Getenv("ANTHROPIC_API_KEY"); got != "already-set" {
		t.Errorf("expected existing env var to be preserved, got %q", got)
	}
}

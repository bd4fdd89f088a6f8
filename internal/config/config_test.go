package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  max_tool_calls: 5
llm:
  provider: openai
  api_key: test-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Agent.MaxToolCalls != 5 {
		t.Errorf("MaxToolCalls = %d, want 5", cfg.Agent.MaxToolCalls)
	}
	if cfg.Agent.Concurrency.MaxConcurrentRequests != 8 {
		t.Errorf("MaxConcurrentRequests = %d, want default 8", cfg.Agent.Concurrency.MaxConcurrentRequests)
	}
	if cfg.Memory.MaxMessages != 50 {
		t.Errorf("MaxMessages = %d, want default 50", cfg.Memory.MaxMessages)
	}
	if cfg.Breaker.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want default 10s", cfg.Breaker.MaxBackoff)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ALLOY_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
llm:
  provider: anthropic
  api_key: ${ALLOY_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad temperature", "llm:\n  temperature: 3.5\n"},
		{"bad provider", "llm:\n  provider: grok\n"},
		{"min over max", "guard:\n  input_validation:\n    min_length: 100\n    max_length: 10\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("Load accepted invalid config")
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

package config_test

import (
	"strings"
	"testing"

	"github.com/mnemo-ai/mnemo/internal/config"
)

func TestLoadFromReader_ValidConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: debug
  metrics_addr: ":9090"
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  embeddings:
    name: ollama
    model: nomic-embed-text
    base_url: http://localhost:11434
memory:
  data_dir: /var/lib/mnemo
  embedding_dimensions: 768
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.Embeddings.Model != "nomic-embed-text" {
		t.Errorf("embeddings model = %q, want nomic-embed-text", cfg.Providers.Embeddings.Model)
	}
	if cfg.Memory.EmbeddingDimensions != 768 {
		t.Errorf("embedding dimensions = %d, want 768", cfg.Memory.EmbeddingDimensions)
	}
}

func TestValidate_RequiresProviders(t *testing.T) {
	t.Parallel()
	yaml := `
memory:
  data_dir: /tmp/mnemo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
	if !strings.Contains(err.Error(), "providers.embeddings.name") {
		t.Errorf("error should mention providers.embeddings.name, got: %v", err)
	}
}

func TestValidate_RequiresPersistence(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  embeddings:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing persistence, got nil")
	}
	if !strings.Contains(err.Error(), "data_dir or postgres_dsn") {
		t.Errorf("error should mention data_dir or postgres_dsn, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
providers:
  llm:
    name: openai
  embeddings:
    name: openai
memory:
  data_dir: /tmp/mnemo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  embeddings:
    name: openai
memory:
  data_dir: /tmp/mnemo
  vector_index: hnsw
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
)

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o

pipeline:
  max_concurrent_tasks: 5
  enable_smart_merge: true
  auto_save_enabled: true

extractor:
  tuple_delimiter: "<|>"
  record_delimiter: "##"
  completion_delimiter: "<|COMPLETE|>"
  language: English
  enable_check: true

database:
  default_path: ./graph.db
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, "info")
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("providers.llm.name: got %q, want %q", cfg.Providers.LLM.Name, "openai")
	}
	if cfg.Pipeline.MaxConcurrentTasks != 5 {
		t.Errorf("pipeline.max_concurrent_tasks: got %d, want 5", cfg.Pipeline.MaxConcurrentTasks)
	}
	if !cfg.Pipeline.EnableSmartMerge {
		t.Error("pipeline.enable_smart_merge: got false, want true")
	}
	if cfg.Database.DefaultPath != "./graph.db" {
		t.Errorf("database.default_path: got %q", cfg.Database.DefaultPath)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\n"))
	if err != nil {
		t.Fatalf("unexpected error for minimal config: %v", err)
	}
	if cfg.Pipeline.MaxConcurrentTasks != 3 {
		t.Errorf("default max_concurrent_tasks: got %d, want 3", cfg.Pipeline.MaxConcurrentTasks)
	}
	if cfg.Extractor.TupleDelimiter == "" {
		t.Error("default tuple_delimiter should not be empty")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingLLMProvider(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for missing providers.llm.name, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_InvalidConcurrency(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
pipeline:
  max_concurrent_tasks: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_concurrent_tasks 0, got nil")
	}
}

func TestValidate_AutoSaveRequiresPath(t *testing.T) {
	yaml := `
providers:
  llm:
    name: openai
pipeline:
  auto_save_enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for auto_save_enabled without database.default_path, got nil")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown LLM provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubLLM{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// stubLLM implements llm.Provider with no-op methods.
type stubLLM struct{}

func (s *stubLLM) StreamCompletion(_ context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}
func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (s *stubLLM) CountTokens(_ []llm.Message) (int, error) { return 0, nil }
func (s *stubLLM) Capabilities() llm.ModelCapabilities      { return llm.ModelCapabilities{} }

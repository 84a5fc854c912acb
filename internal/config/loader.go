package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known completion-service provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// validLogLevels lists the accepted values for Server.LogLevel.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config populated with the defaults named in the
// recognized-options table: 3 concurrent extract workers and smart merge on;
// auto-save off.
func defaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			MaxConcurrentTasks: 3,
			EnableSmartMerge:   true,
			AutoSaveEnabled:    false,
		},
		Extractor: ExtractorConfig{
			TupleDelimiter:      "<|>",
			RecordDelimiter:     "##",
			CompletionDelimiter: "<|COMPLETE|>",
			Language:            "English",
		},
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(validLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName(cfg.Providers.LLM.Name)
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, fmt.Errorf("providers.llm.name is required"))
	}

	if cfg.Pipeline.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_tasks must be >= 1, got %d", cfg.Pipeline.MaxConcurrentTasks))
	}

	if cfg.Pipeline.AutoSaveEnabled && cfg.Database.DefaultPath == "" {
		errs = append(errs, fmt.Errorf("pipeline.auto_save_enabled requires database.default_path"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown completion-service provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

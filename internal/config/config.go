// Package config provides the configuration schema, loader, and provider
// registry for kgraph.
package config

import "time"

// Config is the root configuration structure for kgraph.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Database  DatabaseConfig  `yaml:"database"`
}

// ServerConfig holds network and logging settings for the kgraph server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// LogVerbose is decoded from the `verbose` key. The server's logger setup
	// does not read it, and DEBUG entries are not written to files.
	LogVerbose bool `yaml:"verbose"`
}

// ProvidersConfig declares which completion-service provider implementation
// to use. The field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block for the completion-service
// provider.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Timeout is decoded from configuration but is not passed to the provider;
	// completion requests are bounded only by the caller's context.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig controls the extract/merge task coordinator.
type PipelineConfig struct {
	// MaxConcurrentTasks is the number of parallel extract workers.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// EnableSmartMerge controls whether merges run the smart merger or fall
	// back to an identity pass (entity/relationship deltas applied verbatim).
	EnableSmartMerge bool `yaml:"enable_smart_merge"`

	// AutoSaveEnabled triggers a snapshot save after each completed merge.
	AutoSaveEnabled bool `yaml:"auto_save_enabled"`
}

// ExtractorConfig controls the extractor's prompt rendering and parsing.
type ExtractorConfig struct {
	// TupleDelimiter separates fields within a single extracted record.
	TupleDelimiter string `yaml:"tuple_delimiter"`

	// RecordDelimiter separates records within a completion reply.
	RecordDelimiter string `yaml:"record_delimiter"`

	// CompletionDelimiter marks the end of the extractor's reply.
	CompletionDelimiter string `yaml:"completion_delimiter"`

	// Language instructs the completion service which natural language to
	// extract entities and relationships in.
	Language string `yaml:"language"`

	// EnableCheck runs a second "optimize" pass over the first pass's output.
	EnableCheck bool `yaml:"enable_check"`
}

// DatabaseConfig controls snapshot persistence defaults.
type DatabaseConfig struct {
	// DefaultPath is the snapshot file used by auto-save and default load.
	DefaultPath string `yaml:"default_path"`
}

// Command kgraph runs the incremental knowledge-graph builder server: it
// loads configuration, wires the completion-service provider and the
// extract/merge task pipeline, and serves the HTTP API in front of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/kgraph/internal/completion"
	"github.com/MrWong99/kgraph/internal/config"
	"github.com/MrWong99/kgraph/internal/health"
	"github.com/MrWong99/kgraph/internal/kg"
	"github.com/MrWong99/kgraph/internal/observe"
	"github.com/MrWong99/kgraph/internal/pipeline"
	"github.com/MrWong99/kgraph/internal/request"
	"github.com/MrWong99/kgraph/internal/resilience"
	"github.com/MrWong99/kgraph/pkg/provider/llm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/anyllm"
	"github.com/MrWong99/kgraph/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kgraph: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kgraph: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("kgraph starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "kgraph"})
	if err != nil {
		slog.Error("failed to initialize telemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	provider, err := buildProvider(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build completion-service provider", "err", err)
		return 1
	}
	slog.Info("completion-service provider ready", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	graph, err := loadOrCreateGraph(cfg.Database.DefaultPath, logger)
	if err != nil {
		slog.Error("failed to load graph snapshot", "err", err)
		return 1
	}

	svc := completion.New(provider)
	pipe := pipeline.New(graph, svc, pipeline.Options{
		Pipeline:   cfg.Pipeline,
		Extractor:  cfg.Extractor,
		Database:   cfg.Database,
		OnProgress: broadcastToSSE,
		Metrics:    metrics,
		Log:        logger,
	})
	pipe.Start(ctx, cfg.Pipeline)
	defer pipe.Shutdown()

	dbDir := cfg.Database.DefaultPath
	if dbDir == "" {
		dbDir = "."
	} else {
		dbDir = filepath.Dir(dbDir)
	}
	svcReq := request.New(pipe, graph, dbDir)

	healthHandler := health.New(
		health.Checker{Name: "database_dir", Check: func(ctx context.Context) error {
			_, err := os.Stat(dbDir)
			return err
		}},
	)

	mux := http.NewServeMux()
	registerRoutes(mux, svcReq)
	healthHandler.Register(mux)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(metrics)(mux),
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serverErr:
		if err != nil {
			slog.Error("http server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}

	if cfg.Database.DefaultPath != "" {
		if err := graph.Save(cfg.Database.DefaultPath); err != nil {
			slog.Error("final snapshot save failed", "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

// buildProvider constructs the completion-service provider named by entry,
// wrapped in a circuit breaker via [resilience.LLMFallback] even when no
// fallback backend is configured, so a flapping upstream doesn't take every
// request down with it.
func buildProvider(entry config.ProviderEntry) (llm.Provider, error) {
	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"} {
		name := name
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	primary, err := reg.CreateLLM(entry)
	if err != nil {
		return nil, fmt.Errorf("build provider %q: %w", entry.Name, err)
	}
	return resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{}), nil
}

// loadOrCreateGraph loads the snapshot at path if one exists, or returns a
// fresh, empty graph otherwise.
func loadOrCreateGraph(path string, log *slog.Logger) (*kg.Graph, error) {
	if path == "" {
		return kg.NewGraph(kg.NewSystem()), nil
	}
	graph, err := kg.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("no existing snapshot found, starting with an empty graph", "path", path)
		return kg.NewGraph(kg.NewSystem()), nil
	}
	if err != nil {
		return nil, err
	}
	log.Info("loaded graph snapshot", "path", path)
	return graph, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

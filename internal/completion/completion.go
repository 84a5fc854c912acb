// Package completion adapts a [llm.Provider] into the narrow
// text-completion-service contract the rest of kgraph depends on:
// render(prompt_template, variables) then complete(prompt, temperature) ->
// string. Callers never see the underlying provider's message/streaming
// API; they render a named template and get a string back.
package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/MrWong99/kgraph/pkg/provider/llm"
)

// Service wraps an [llm.Provider] behind a template-rendering Complete call.
// Safe for concurrent use.
type Service struct {
	provider llm.Provider

	mu        sync.Mutex
	templates map[string]*template.Template
}

// New returns a Service backed by provider.
func New(provider llm.Provider) *Service {
	return &Service{
		provider:  provider,
		templates: make(map[string]*template.Template),
	}
}

// funcMap is available to every template rendered by this package.
var funcMap = template.FuncMap{
	"join": strings.Join,
}

// parse compiles and caches templ under name, returning the cached template
// on subsequent calls with the same name.
func (s *Service) parse(name, templ string) (*template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.templates[name]; ok {
		return t, nil
	}
	t, err := template.New(name).Funcs(funcMap).Parse(templ)
	if err != nil {
		return nil, fmt.Errorf("completion: parse template %q: %w", name, err)
	}
	s.templates[name] = t
	return t, nil
}

// Render executes the named template against variables and returns the
// rendered prompt text. Results are cached by name: a given name must always
// be rendered with the same template body.
func (s *Service) Render(name, templ string, variables any) (string, error) {
	t, err := s.parse(name, templ)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := t.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("completion: execute template %q: %w", name, err)
	}
	return buf.String(), nil
}

// Complete renders name/templ against variables, sends the result to the
// underlying provider at the given temperature, and returns the full reply
// text. This is the single entry point every pipeline stage (system
// updater, extractor, smart merger) calls through.
func (s *Service) Complete(ctx context.Context, name, templ string, variables any, temperature float64) (string, error) {
	prompt, err := s.Render(name, templ, variables)
	if err != nil {
		return "", err
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("completion: provider call failed: %w", err)
	}
	return resp.Content, nil
}

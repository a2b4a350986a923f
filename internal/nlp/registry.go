package nlp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/pulse/internal/config"
)

// Registry stores analysis and embedding providers and resolves the
// configured defaults.
type Registry struct {
	analyzers       map[string]Analyzer
	embedders       map[string]Embedder
	defaultAnalyzer string
	defaultEmbedder string
}

func NewRegistry(defaultAnalyzer, defaultEmbedder string) *Registry {
	r := &Registry{
		analyzers:       make(map[string]Analyzer),
		embedders:       make(map[string]Embedder),
		defaultAnalyzer: normalizeProviderName(defaultAnalyzer),
		defaultEmbedder: normalizeProviderName(defaultEmbedder),
	}
	if r.defaultAnalyzer == "" {
		r.defaultAnalyzer = StubName
	}
	if r.defaultEmbedder == "" {
		r.defaultEmbedder = StubName
	}
	return r
}

// NewRegistryFromConfig registers the stub plus every provider the
// configuration enables.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	registry := NewRegistry(cfg.NLPProvider, cfg.EmbeddingProvider)
	stub := NewStub(cfg.EmbeddingDimensions)
	_ = registry.RegisterAnalyzer(stub)
	_ = registry.RegisterEmbedder(stub)

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := NewGemini(ctx, GeminiOptions{
			APIKey:         cfg.GeminiAPIKey,
			Model:          cfg.GeminiModel,
			EmbeddingModel: cfg.GeminiEmbeddingModel,
			Dimensions:     cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, err
		}
		_ = registry.RegisterAnalyzer(gemini)
		_ = registry.RegisterEmbedder(gemini)
	}

	if strings.TrimSpace(cfg.EmbeddingEndpoint) != "" {
		embedder, err := NewHTTPEmbedder(HTTPEmbedderOptions{
			Endpoint:   cfg.EmbeddingEndpoint,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, err
		}
		_ = registry.RegisterEmbedder(embedder)
	}
	return registry, nil
}

func (r *Registry) RegisterAnalyzer(a Analyzer) error {
	if a == nil {
		return fmt.Errorf("analyzer is nil")
	}
	name := normalizeProviderName(a.Name())
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.analyzers[name] = a
	return nil
}

func (r *Registry) RegisterEmbedder(e Embedder) error {
	if e == nil {
		return fmt.Errorf("embedder is nil")
	}
	name := normalizeProviderName(e.Name())
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	r.embedders[name] = e
	return nil
}

// Analyzer resolves a provider by name. Empty names use the default.
func (r *Registry) Analyzer(name string) (Analyzer, error) {
	resolved := normalizeProviderName(name)
	if resolved == "" {
		resolved = r.defaultAnalyzer
	}
	if a, ok := r.analyzers[resolved]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("analysis provider %q is not registered (available: %s)", resolved, strings.Join(sortedKeys(r.analyzers), ", "))
}

func (r *Registry) Embedder(name string) (Embedder, error) {
	resolved := normalizeProviderName(name)
	if resolved == "" {
		resolved = r.defaultEmbedder
	}
	if e, ok := r.embedders[resolved]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("embedding provider %q is not registered (available: %s)", resolved, strings.Join(sortedKeys(r.embedders), ", "))
}

// Fallback wraps the default providers with stub fallback.
func (r *Registry) Fallback(logger zerolog.Logger) (*Fallback, error) {
	analyzer, err := r.Analyzer("")
	if err != nil {
		return nil, err
	}
	embedder, err := r.Embedder("")
	if err != nil {
		return nil, err
	}
	return NewFallback(analyzer, embedder, logger), nil
}

func (r *Registry) AnalyzerNames() []string { return sortedKeys(r.analyzers) }
func (r *Registry) EmbedderNames() []string { return sortedKeys(r.embedders) }

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

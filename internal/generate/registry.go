package generate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/chorus/internal/config"
)

// Base URLs of the OpenAI-compatible endpoints chorus knows about.
const (
	GeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta/openai"
	OpenAIBaseURL     = "https://api.openai.com/v1"
	OllamaBaseURL     = "http://localhost:11434/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
)

// ProviderOpts is what a Factory needs to build a Generator.
type ProviderOpts struct {
	APIKey  string
	BaseURL string // overrides the provider default when set
	Timeout time.Duration
}

// Factory builds a Generator for one provider.
type Factory func(opts ProviderOpts) (Generator, error)

// Registry maps provider names to factories. Names are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a Registry with gemini, openai, ollama and
// openrouter registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("gemini", openAICompatible("gemini", GeminiBaseURL))
	r.Register("openai", openAICompatible("openai", OpenAIBaseURL))
	r.Register("ollama", openAICompatible("ollama", OllamaBaseURL))
	r.Register("openrouter", openAICompatible("openrouter", OpenRouterBaseURL))
	return r
}

func openAICompatible(name, baseURL string) Factory {
	return func(opts ProviderOpts) (Generator, error) {
		url := baseURL
		if opts.BaseURL != "" {
			url = opts.BaseURL
		}
		g, err := NewOpenAIGenerator(OpenAIOpts{
			Provider: name,
			APIKey:   opts.APIKey,
			BaseURL:  url,
			Timeout:  opts.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the Generator registered under name.
func (r *Registry) Get(name string, opts ProviderOpts) (Generator, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("generate: unknown provider %q", name)
	}
	return f(opts)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromConfig builds the configured Generator from the default registry.
func FromConfig(cfg config.GenerationConfig) (Generator, error) {
	return NewDefaultRegistry().Get(cfg.Provider, ProviderOpts{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	})
}

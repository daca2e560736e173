package runner

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

const (
	NameAnthropic = "anthropic"
	NameEcho      = "echo"
)

// Options are the process-level settings a factory may draw on.
type Options struct {
	APIKey    string
	Endpoint  string
	MaxTokens int
	Tools     ToolExecutor
	Logger    *log.Logger
}

type Factory func(Options) (Runner, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the anthropic and echo runners.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameAnthropic, func(opts Options) (Runner, error) {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, fmt.Errorf("runner %s requires an api key", NameAnthropic)
		}
		return NewAnthropicRunner(opts.APIKey,
			WithAnthropicEndpoint(opts.Endpoint),
			WithMaxTokens(opts.MaxTokens),
			WithToolExecutor(opts.Tools),
			WithLogger(opts.Logger),
		), nil
	})
	r.Register(NameEcho, func(Options) (Runner, error) {
		return NewEchoRunner(), nil
	})
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	if r == nil || factory == nil {
		return
	}
	key := normalizeName(name)
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

func (r *Registry) New(name string, opts Options) (Runner, error) {
	key := normalizeName(name)
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown runner %q (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return factory(opts)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

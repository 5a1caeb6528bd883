package inference

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jasontalley/pact-sub013/internal/config"
)

// Factory builds a backend from configuration. The returned closer may be
// nil.
type Factory func(cfg config.InferenceConfig) (Service, io.Closer, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("grpc", func(cfg config.InferenceConfig) (Service, io.Closer, error) {
		svc, err := DialGRPC(cfg.GRPCAddress)
		if err != nil {
			return nil, nil, err
		}
		return svc, svc, nil
	})
	r.Register("cli", func(cfg config.InferenceConfig) (Service, io.Closer, error) {
		svc, err := NewCLIService(cfg.CLICommand)
		return svc, nil, err
	})
	r.Register("openai", func(cfg config.InferenceConfig) (Service, io.Closer, error) {
		return NewOpenAIService(OpenAIOptions{
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			KeyEnv:  cfg.OpenAIKeyEnv,
		}), nil, nil
	})
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered backends, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open builds the configured backend.
func (r *Registry) Open(cfg config.InferenceConfig) (Service, io.Closer, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("inference backend %q not registered", cfg.Backend)
	}
	return f(cfg)
}

// AdapterConfig maps configuration onto adapter settings.
func AdapterConfig(cfg config.InferenceConfig, logger *slog.Logger, obs Observer) Config {
	c := Config{
		BatchSize:      cfg.BatchSize,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoff) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoff) * time.Millisecond,
		CallTimeout:    time.Duration(cfg.TimeoutSecs) * time.Second,
		Logger:         logger,
		Observer:       obs,
	}
	if cfg.RedactSecrets {
		c.Redactor = NewRedactor(cfg.OpenAIKeyEnv)
	}
	return c
}

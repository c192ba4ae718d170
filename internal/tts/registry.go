package tts

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Constructor builds a Provider from explicit configuration.
type Constructor func(cfg ProviderConfig, logger *slog.Logger) (Provider, error)

var (
	registryMu   sync.RWMutex
	constructors = map[string]Constructor{
		"openai": newOpenAI,
		"kokoro": newKokoro,
		"exec":   newExec,
		"piper":  newPiper,
		"mock":   newMockFromConfig,
	}
)

// Register adds or replaces a backend constructor.
func Register(name string, c Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[name] = c
}

func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New selects the backend named by cfg.Backend and wraps it in a cache when configured.
func New(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	registryMu.RLock()
	ctor, ok := constructors[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tts backend %q (available: %v)", cfg.Backend, Backends())
	}
	p, err := ctor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", cfg.Backend, err)
	}
	logger.Info("tts backend ready",
		slog.String("backend", p.Name()),
		slog.Int("max_chars", p.Capabilities().MaxChars),
		slog.Int("cache_size", cfg.CacheSize))
	return Cached(p, cfg.CacheSize), nil
}

package registry

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/anthropic"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/huggingface"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/llamacpp"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/ollama"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider/openai"
)

// Build creates the concrete provider for one config entry.
func Build(pc config.ProviderConfig) (provider.Provider, error) {
	cfg := provider.Config{
		Name:      pc.Name,
		BaseURL:   pc.BaseURL,
		Model:     pc.Model,
		APIKey:    pc.APIKey,
		MaxTokens: pc.MaxTokens,
	}

	var (
		p   provider.Provider
		err error
	)
	switch pc.Kind {
	case config.ProviderLlamaCpp:
		p, err = llamacpp.NewLlamaCppClient(cfg)
	case config.ProviderOllama:
		p, err = ollama.NewOllamaClient(cfg)
	case config.ProviderHuggingFace:
		p, err = huggingface.NewHuggingFaceClient(cfg)
	case config.ProviderOpenAI:
		p, err = openai.NewOpenAIClient(cfg)
	case config.ProviderAnthropic:
		p, err = anthropic.NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", pc.Kind)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FromConfig builds the registry from configuration. Disabled entries are
// left out. Entries that cannot be constructed, typically for a missing API
// key, are skipped with a warning so the service still starts; the
// rule-based fallback covers an empty registry.
func FromConfig(providers []config.ProviderConfig, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}

	descs := make([]Descriptor, 0, len(providers))
	for _, pc := range providers {
		if !pc.Enabled {
			log.Debug("provider disabled", zap.String("provider", pc.Name))
			continue
		}
		p, err := Build(pc)
		if err != nil {
			log.Warn("provider not configured, skipping",
				zap.String("provider", pc.Name),
				zap.String("kind", pc.Kind),
				zap.Error(err))
			continue
		}
		descs = append(descs, Descriptor{
			Name:     pc.Name,
			Priority: pc.Priority,
			Timeout:  time.Duration(pc.TimeoutSeconds) * time.Second,
			Provider: p,
		})
	}

	reg, err := New(descs...)
	if err != nil {
		return nil, err
	}
	for _, d := range reg.Providers() {
		log.Info("provider registered",
			zap.String("provider", d.Name),
			zap.Int("priority", d.Priority),
			zap.Duration("timeout", d.Timeout))
	}
	return reg, nil
}

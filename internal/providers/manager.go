package providers

import (
	"context"
	"fmt"
	"strings"

	"mathscan/internal/config"
)

// NewFromConfig resolves the active vision provider once at startup. The
// provider set is closed; unknown names fail fast instead of being looked up
// at call sites.
func NewFromConfig(ctx context.Context, cfg config.Config) (VisionProvider, ProviderRef, error) {
	refs := ParseProviderList(cfg.VisionProviders)
	ref := refs[0]
	p, err := buildProvider(ctx, ref, cfg)
	if err != nil {
		return nil, ref, err
	}
	return p, ref, nil
}

func buildProvider(ctx context.Context, ref ProviderRef, cfg config.Config) (VisionProvider, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.GeminiProject, cfg.GeminiRegion, cfg.GeminiModel)
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias, cfg.OpenAIModel), nil
	case "ollama":
		return NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unsupported vision provider: %s", ref.Name)
	}
}

package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// Pipeline prefixes routed to each provider. The configured default generator also serves the
// exact pipeline name "default".
const (
	geminiPrefix = "gemini"
	openAIPrefix = "openai"
)

// BuildGenerators registers every provider that has credentials.
func BuildGenerators(ctx context.Context, cfg config.AIConfig, logger zerolog.Logger) (*ai.Pipelines, error) {
	pipelines := ai.NewPipelines()
	available := map[string]ai.Generator{}

	if cfg.GeminiAPIKey != "" {
		gemini, err := ai.NewGeminiGenerator(ctx, ai.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		pipelines.RegisterPrefix(geminiPrefix, gemini)
		available[geminiPrefix] = gemini
	}

	if cfg.OpenAIAPIKey != "" {
		openai, err := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		pipelines.RegisterPrefix(openAIPrefix, openai)
		available[openAIPrefix] = openai
	}

	if len(available) == 0 {
		return nil, fmt.Errorf("no generation provider configured: set GEMA_GEMINI_API_KEY or GEMA_OPENAI_API_KEY")
	}
	if generator, ok := available[cfg.Generator]; ok {
		pipelines.Register("default", generator)
	}

	return pipelines, nil
}

// BuildScorer returns the configured AI scorer, or nil when scoring is not configured.
func BuildScorer(cfg config.AIConfig, logger zerolog.Logger) (ai.Scorer, error) {
	switch cfg.Scorer {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			logger.Warn().Msg("anthropic scorer selected without api key, AI scoring disabled")
			return nil, nil
		}
		scorer, err := ai.NewAnthropicScorer(ai.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
		if err != nil {
			return nil, err
		}
		return scorer, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Warn().Msg("openai scorer selected without api key, AI scoring disabled")
			return nil, nil
		}
		scorer, err := ai.NewOpenAIClient(ai.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return scorer, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported ai scorer %q", cfg.Scorer)
	}
}

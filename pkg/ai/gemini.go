package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini generator.
type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Logger      zerolog.Logger
}

// GeminiGenerator drafts questions with the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	cfg    GeminiConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewGeminiGenerator builds a Gemini backed generator.
func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &GeminiGenerator{
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-eval/pkg/ai/gemini"),
		logger: logger,
	}, nil
}

// Generate drafts one question.
func (g *GeminiGenerator) Generate(parent context.Context, req GenerationRequest) (QuestionDraft, error) {
	ctx, span := g.tracer.Start(parent, "gemini.generate", trace.WithAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.String("pipeline", req.Pipeline),
		attribute.String("topic", req.Topic),
		attribute.String("difficulty", req.Difficulty),
	))
	defer span.End()

	config := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		SystemInstruction: genai.NewContentFromText(generatorSystemPrompt(), genai.RoleUser),
	}
	if g.cfg.Temperature > 0 {
		config.Temperature = genai.Ptr(g.cfg.Temperature)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, []*genai.Content{
		genai.NewContentFromText(buildGenerationPrompt(req), genai.RoleUser),
	}, config)
	aiDuration.WithLabelValues("gemini", "generate").Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues("gemini", "generate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QuestionDraft{}, fmt.Errorf("gemini generate: %w", err)
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil {
				text.WriteString(part.Text)
			}
		}
		break
	}
	if text.Len() == 0 {
		err := fmt.Errorf("no candidates returned from gemini")
		aiFailures.WithLabelValues("gemini", "generate").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QuestionDraft{}, err
	}

	if resp.UsageMetadata != nil {
		g.logger.Debug().
			Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount).
			Int32("candidate_tokens", resp.UsageMetadata.CandidatesTokenCount).
			Msg("gemini generation finished")
	}

	draft, err := ParseDraft(text.String())
	if err != nil {
		aiFailures.WithLabelValues("gemini", "generate").Inc()
		span.RecordError(err)
		return QuestionDraft{}, err
	}
	draft.Metadata.Provider = "gemini"
	draft.Metadata.Model = g.cfg.Model
	return draft, nil
}

package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIConfig defines configuration options for the OpenAI generator and scorer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIClient implements Generator and Scorer against the OpenAI chat completion API.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIClient builds a client using the provided configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	tracer := otel.Tracer("github.com/noah-isme/gema-exam-eval/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAIClient{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Generate drafts a question through the chat completion API.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (QuestionDraft, error) {
	content, err := c.complete(ctx, "generate", generatorSystemPrompt(), buildGenerationPrompt(req),
		attribute.String("pipeline", req.Pipeline),
		attribute.String("topic", req.Topic),
		attribute.String("difficulty", req.Difficulty),
	)
	if err != nil {
		return QuestionDraft{}, err
	}

	draft, err := ParseDraft(content)
	if err != nil {
		aiFailures.WithLabelValues("openai", "generate").Inc()
		return QuestionDraft{}, err
	}
	draft.Metadata.Provider = "openai"
	draft.Metadata.Model = c.cfg.Model
	return draft, nil
}

// Score grades a drafted question through the chat completion API.
func (c *OpenAIClient) Score(ctx context.Context, draft QuestionDraft) (QualityScore, error) {
	content, err := c.complete(ctx, "score", scorerSystemPrompt(), buildScoringPrompt(draft))
	if err != nil {
		return QualityScore{}, err
	}

	score, err := parseScoreResponse(content)
	if err != nil {
		aiFailures.WithLabelValues("openai", "score").Inc()
		return QualityScore{}, err
	}
	score.Provider = "openai"
	return score, nil
}

func (c *OpenAIClient) complete(parent context.Context, operation, system, user string, attrs ...attribute.KeyValue) (string, error) {
	attrs = append(attrs, attribute.String("model", c.cfg.Model))
	ctx, span := c.tracer.Start(parent, "openai."+operation, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: user,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := c.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues("openai", operation).Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues("openai", operation).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("openai %s: %w", operation, err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("no choices returned from openai")
		aiFailures.WithLabelValues("openai", operation).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	c.logger.Debug().
		Str("operation", operation).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("openai completion finished")

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

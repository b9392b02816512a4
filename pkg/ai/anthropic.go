package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AnthropicConfig holds the Anthropic scorer configuration.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// AnthropicScorer implements Scorer with the Claude messages API.
type AnthropicScorer struct {
	client anthropic.Client
	cfg    AnthropicConfig
	tracer trace.Tracer
}

// NewAnthropicScorer constructs a scorer backed by Claude.
func NewAnthropicScorer(cfg AnthropicConfig) (*AnthropicScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicScorer{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-exam-eval/pkg/ai/anthropic"),
	}, nil
}

// Score grades a drafted question.
func (a *AnthropicScorer) Score(parent context.Context, draft QuestionDraft) (QualityScore, error) {
	ctx, span := a.tracer.Start(parent, "anthropic.score", trace.WithAttributes(
		attribute.String("model", a.cfg.Model),
	))
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.cfg.Model),
		MaxTokens: int64(a.cfg.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: scorerSystemPrompt()}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildScoringPrompt(draft))),
		},
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(a.cfg.Temperature)
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	aiDuration.WithLabelValues("anthropic", "score").Observe(time.Since(start).Seconds())
	if err != nil {
		aiFailures.WithLabelValues("anthropic", "score").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QualityScore{}, fmt.Errorf("anthropic score: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		err := fmt.Errorf("no text returned from anthropic")
		aiFailures.WithLabelValues("anthropic", "score").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return QualityScore{}, err
	}

	score, err := parseScoreResponse(text.String())
	if err != nil {
		aiFailures.WithLabelValues("anthropic", "score").Inc()
		span.RecordError(err)
		return QualityScore{}, err
	}
	score.Provider = "anthropic"
	return score, nil
}

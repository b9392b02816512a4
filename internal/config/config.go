package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API server and the evalctl worker.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseURL            string
	DatabaseMaxConns       int
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	JWTSecret              string
	CORSAllowOrigins       string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	Evaluation             EvaluationConfig
	AI                     AIConfig
}

// EvaluationConfig tunes the job controller, batch sizer and sweeper.
type EvaluationConfig struct {
	MaxSafeBatchSize   int
	InvocationBudget   time.Duration
	LoadCapacity       int
	StaleAfter         time.Duration
	SweepSchedule      string
	LeaseTTL           time.Duration
	ReviewThreshold    float64
	ContinuationBuffer int
	// MutationsPerMinute caps create, process and cancel calls per user.
	MutationsPerMinute int
}

// AIConfig selects and configures the generation and scoring providers.
type AIConfig struct {
	Generator         string
	Scorer            string
	RequestsPerSecond float64
	Burst             int
	OpenAIAPIKey      string
	OpenAIModel       string
	AnthropicAPIKey   string
	AnthropicModel    string
	GeminiAPIKey      string
	GeminiModel       string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether report uploads are configured.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// ValidateServer checks the settings only the HTTP API needs.
func (c Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	return nil
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Exam Eval")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("realtime.channel", "gema:eval")
	v.SetDefault("http.cors_origins", "*")
	v.SetDefault("cloudinary.folder", "gema/evaluations")
	v.SetDefault("eval.max_safe_batch", 3)
	v.SetDefault("eval.invocation_budget", "4m30s")
	v.SetDefault("eval.load_capacity", 4)
	v.SetDefault("eval.stale_after", "10m")
	v.SetDefault("eval.sweep_schedule", "@every 1m")
	v.SetDefault("eval.lease_ttl", "6m")
	v.SetDefault("eval.review_threshold", 70)
	v.SetDefault("eval.continuation_buffer", 64)
	v.SetDefault("eval.mutations_per_minute", 30)
	v.SetDefault("ai.generator", "gemini")
	v.SetDefault("ai.scorer", "openai")
	v.SetDefault("ai.requests_per_second", 2)
	v.SetDefault("ai.burst", 3)

	budget, err := parseDuration(v, "eval.invocation_budget")
	if err != nil {
		return Config{}, err
	}
	staleAfter, err := parseDuration(v, "eval.stale_after")
	if err != nil {
		return Config{}, err
	}
	leaseTTL, err := parseDuration(v, "eval.lease_ttl")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseMaxConns:       v.GetInt("database.max_conns"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		CORSAllowOrigins:       v.GetString("http.cors_origins"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		Evaluation: EvaluationConfig{
			MaxSafeBatchSize:   v.GetInt("eval.max_safe_batch"),
			InvocationBudget:   budget,
			LoadCapacity:       v.GetInt("eval.load_capacity"),
			StaleAfter:         staleAfter,
			SweepSchedule:      v.GetString("eval.sweep_schedule"),
			LeaseTTL:           leaseTTL,
			ReviewThreshold:    v.GetFloat64("eval.review_threshold"),
			ContinuationBuffer: v.GetInt("eval.continuation_buffer"),
			MutationsPerMinute: v.GetInt("eval.mutations_per_minute"),
		},
		AI: AIConfig{
			Generator:         strings.ToLower(v.GetString("ai.generator")),
			Scorer:            strings.ToLower(v.GetString("ai.scorer")),
			RequestsPerSecond: v.GetFloat64("ai.requests_per_second"),
			Burst:             v.GetInt("ai.burst"),
			OpenAIAPIKey:      v.GetString("openai_api_key"),
			OpenAIModel:       v.GetString("openai_model"),
			AnthropicAPIKey:   v.GetString("anthropic_api_key"),
			AnthropicModel:    v.GetString("anthropic_model"),
			GeminiAPIKey:      v.GetString("gemini_api_key"),
			GeminiModel:       v.GetString("gemini_model"),
		},
	}

	if cfg.Evaluation.MaxSafeBatchSize <= 0 {
		cfg.Evaluation.MaxSafeBatchSize = 3
	}
	if cfg.Evaluation.LoadCapacity <= 0 {
		cfg.Evaluation.LoadCapacity = 4
	}
	if cfg.Evaluation.LeaseTTL <= cfg.Evaluation.InvocationBudget {
		return Config{}, fmt.Errorf("eval lease ttl (%s) must exceed the invocation budget (%s)", cfg.Evaluation.LeaseTTL, cfg.Evaluation.InvocationBudget)
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}

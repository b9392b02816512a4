package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const scoreJSON = `{"overall": 82, "board_readiness": "minor_revision", "medical_accuracy": 90, "clarity": 75, "feedback": "Tighten distractor C."}`

func openAIServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
			return
		}
		payload := map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"index": 0, "finish_reason": "stop", "message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 40, "total_tokens": 52},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClientGenerate(t *testing.T) {
	server := openAIServer(t, validDraftJSON, http.StatusOK)
	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	draft, err := client.Generate(context.Background(), GenerationRequest{Pipeline: "openai-gpt", Topic: "Psoriasis", Difficulty: DifficultyBasic})
	require.NoError(t, err)
	require.Len(t, draft.Options, 5)
	require.Equal(t, "openai", draft.Metadata.Provider)
	require.Equal(t, "gpt-4o-mini", draft.Metadata.Model)
}

func TestOpenAIClientScore(t *testing.T) {
	server := openAIServer(t, scoreJSON, http.StatusOK)
	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	score, err := client.Score(context.Background(), QuestionDraft{Stem: "stem", Options: DraftOptions{"a", "b"}, CorrectAnswer: "A"})
	require.NoError(t, err)
	require.Equal(t, 82.0, score.Overall)
	require.Equal(t, ReadinessMinorRevision, score.BoardReadiness)
	require.Equal(t, "openai", score.Provider)
}

func TestOpenAIClientErrors(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)

	server := openAIServer(t, "", http.StatusTooManyRequests)
	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), GenerationRequest{Pipeline: "openai-gpt"})
	require.Error(t, err)

	malformed := openAIServer(t, `{"stem": "too short"}`, http.StatusOK)
	client, err = NewOpenAIClient(OpenAIConfig{APIKey: "test", BaseURL: malformed.URL + "/v1"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), GenerationRequest{Pipeline: "openai-gpt"})
	require.ErrorIs(t, err, ErrInvalidDraft)
}

func TestAnthropicScorer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		require.Equal(t, "test", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-5-haiku-latest",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]string{{"type": "text", "text": scoreJSON}},
			"usage":         map[string]int{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	defer server.Close()

	_, err := NewAnthropicScorer(AnthropicConfig{})
	require.Error(t, err)

	scorer, err := NewAnthropicScorer(AnthropicConfig{APIKey: "test", BaseURL: server.URL + "/"})
	require.NoError(t, err)

	score, err := scorer.Score(context.Background(), QuestionDraft{Stem: "stem", Options: DraftOptions{"a", "b"}, CorrectAnswer: "B"})
	require.NoError(t, err)
	require.Equal(t, 82.0, score.Overall)
	require.Equal(t, "anthropic", score.Provider)
	require.Equal(t, "Tighten distractor C.", score.Feedback)
}

func TestGeminiGenerator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, ":generateContent"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []map[string]interface{}{
				{"content": map[string]interface{}{"role": "model", "parts": []map[string]string{{"text": validDraftJSON}}}},
			},
			"usageMetadata": map[string]int{"promptTokenCount": 10, "candidatesTokenCount": 90},
		})
	}))
	defer server.Close()

	_, err := NewGeminiGenerator(context.Background(), GeminiConfig{})
	require.Error(t, err)

	generator, err := NewGeminiGenerator(context.Background(), GeminiConfig{APIKey: "test", BaseURL: server.URL + "/"})
	require.NoError(t, err)

	draft, err := generator.Generate(context.Background(), GenerationRequest{Pipeline: "gemini-flash", Topic: "Psoriasis", Difficulty: DifficultyAdvanced})
	require.NoError(t, err)
	require.Equal(t, "gemini", draft.Metadata.Provider)
	require.Equal(t, "gemini-2.5-flash", draft.Metadata.Model)
	require.Equal(t, AnswerKey("A"), draft.CorrectAnswer)
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Difficulty tiers understood by the generation pipelines.
const (
	DifficultyBasic         = "Basic"
	DifficultyAdvanced      = "Advanced"
	DifficultyVeryDifficult = "Very Difficult"
)

// BoardReadiness is the categorical grade an AI reviewer assigns to a question.
type BoardReadiness string

// Board readiness grades, best to worst.
const (
	ReadinessReady         BoardReadiness = "ready"
	ReadinessMinorRevision BoardReadiness = "minor_revision"
	ReadinessMajorRevision BoardReadiness = "major_revision"
	ReadinessReject        BoardReadiness = "reject"
)

// ReadinessGrades lists every grade in reporting order.
var ReadinessGrades = []BoardReadiness{ReadinessReady, ReadinessMinorRevision, ReadinessMajorRevision, ReadinessReject}

// ErrUnknownPipeline indicates no generator is registered for a pipeline name.
var ErrUnknownPipeline = errors.New("unknown generation pipeline")

// ErrInvalidDraft indicates a generated draft cannot be turned into a usable question.
var ErrInvalidDraft = errors.New("invalid question draft")

// GenerationRequest identifies one question to draft.
type GenerationRequest struct {
	Pipeline   string
	Topic      string
	Difficulty string
}

// QuestionDraft is the raw multiple-choice question returned by a pipeline.
type QuestionDraft struct {
	Stem          string        `json:"stem"`
	Options       DraftOptions  `json:"options"`
	CorrectAnswer AnswerKey     `json:"correct_answer"`
	Explanation   string        `json:"explanation,omitempty"`
	References    []string      `json:"references,omitempty"`
	Metadata      DraftMetadata `json:"metadata,omitempty"`
}

// DraftMetadata records where a draft came from.
type DraftMetadata struct {
	Pipeline   string `json:"pipeline,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// DraftOptions accepts answer options either as a JSON array or as an object keyed by letter.
type DraftOptions []string

// UnmarshalJSON implements json.Unmarshaler.
func (o *DraftOptions) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*o = list
		return nil
	}

	var keyed map[string]string
	if err := json.Unmarshal(data, &keyed); err != nil {
		return fmt.Errorf("options must be an array or a letter-keyed object: %w", err)
	}

	letters := make([]string, 0, len(keyed))
	for key := range keyed {
		letters = append(letters, strings.ToUpper(strings.TrimSpace(key)))
	}
	sort.Strings(letters)

	normalized := make(map[string]string, len(keyed))
	for key, value := range keyed {
		normalized[strings.ToUpper(strings.TrimSpace(key))] = value
	}

	options := make([]string, 0, len(letters))
	for _, letter := range letters {
		options = append(options, normalized[letter])
	}
	*o = options
	return nil
}

// AnswerKey holds the correct answer as given by the model: a letter, an index or the option text.
type AnswerKey string

// UnmarshalJSON implements json.Unmarshaler.
func (k *AnswerKey) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*k = AnswerKey(strings.TrimSpace(text))
		return nil
	}

	var number float64
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("correct_answer must be a string or a number: %w", err)
	}
	*k = AnswerKey(strconv.Itoa(int(number)))
	return nil
}

// QualityScore is the AI reviewer's assessment of a question, on a 0-100 scale.
type QualityScore struct {
	Overall           float64                `json:"overall"`
	BoardReadiness    BoardReadiness         `json:"board_readiness"`
	MedicalAccuracy   float64                `json:"medical_accuracy"`
	ClinicalRelevance float64                `json:"clinical_relevance"`
	Clarity           float64                `json:"clarity"`
	DistractorQuality float64                `json:"distractor_quality"`
	Feedback          string                 `json:"feedback,omitempty"`
	Provider          string                 `json:"provider,omitempty"`
	Raw               map[string]interface{} `json:"raw,omitempty"`
}

// NeedsReview reports whether the score warrants a human review.
func (s QualityScore) NeedsReview(threshold float64) bool {
	if s.Overall < threshold {
		return true
	}
	return s.BoardReadiness == ReadinessMajorRevision || s.BoardReadiness == ReadinessReject
}

// Generator drafts a question for a pipeline, topic and difficulty.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (QuestionDraft, error)
}

// Scorer grades a drafted question.
type Scorer interface {
	Score(ctx context.Context, draft QuestionDraft) (QualityScore, error)
}

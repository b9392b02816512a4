package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

func generatorSystemPrompt() string {
	return "You write single-best-answer multiple-choice questions for dermatology board examinations. " +
		"Respond with a JSON object containing stem (a clinical vignette ending in a question), options " +
		"(an array of exactly five answer choices), correct_answer (the letter of the correct option), " +
		"explanation, and references (an array of citations)."
}

func buildGenerationPrompt(req GenerationRequest) string {
	builder := strings.Builder{}
	builder.WriteString("# Topic\n")
	builder.WriteString(req.Topic)
	builder.WriteString("\n\n## Difficulty\n")
	builder.WriteString(req.Difficulty)
	builder.WriteString("\n\n## Guidance\n")
	switch req.Difficulty {
	case DifficultyVeryDifficult:
		builder.WriteString("Require multi-step reasoning across diagnosis, pathophysiology and management. Use plausible, closely related distractors.")
	case DifficultyAdvanced:
		builder.WriteString("Test application of knowledge to an atypical presentation or a management decision.")
	default:
		builder.WriteString("Test recognition of a classic presentation or a core fact.")
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func scorerSystemPrompt() string {
	return "You review multiple-choice medical board questions. Respond with a JSON object containing overall (0-100), " +
		"board_readiness (ready, minor_revision, major_revision or reject), medical_accuracy, clinical_relevance, clarity, " +
		"distractor_quality (each 0-100) and feedback."
}

func buildScoringPrompt(draft QuestionDraft) string {
	builder := strings.Builder{}
	builder.WriteString("# Question\n")
	builder.WriteString(draft.Stem)
	builder.WriteString("\n\n## Options\n")
	for i, option := range draft.Options {
		builder.WriteString(fmt.Sprintf("%c. %s\n", 'A'+i, option))
	}
	builder.WriteString("\n## Correct Answer\n")
	builder.WriteString(string(draft.CorrectAnswer))
	if draft.Explanation != "" {
		builder.WriteString("\n\n## Explanation\n")
		builder.WriteString(draft.Explanation)
	}
	if draft.Metadata.Difficulty != "" {
		builder.WriteString("\n\n## Intended Difficulty\n")
		builder.WriteString(draft.Metadata.Difficulty)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseScoreResponse(content string) (QualityScore, error) {
	type payload struct {
		Overall           float64 `json:"overall"`
		BoardReadiness    string  `json:"board_readiness"`
		MedicalAccuracy   float64 `json:"medical_accuracy"`
		ClinicalRelevance float64 `json:"clinical_relevance"`
		Clarity           float64 `json:"clarity"`
		DistractorQuality float64 `json:"distractor_quality"`
		Feedback          string  `json:"feedback"`
	}

	var data payload
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &data); err != nil {
		return QualityScore{}, fmt.Errorf("parse score json: %w", err)
	}

	overall := clampScore(data.Overall)
	return QualityScore{
		Overall:           overall,
		BoardReadiness:    normalizeReadiness(data.BoardReadiness, overall),
		MedicalAccuracy:   clampScore(data.MedicalAccuracy),
		ClinicalRelevance: clampScore(data.ClinicalRelevance),
		Clarity:           clampScore(data.Clarity),
		DistractorQuality: clampScore(data.DistractorQuality),
		Feedback:          data.Feedback,
	}, nil
}

func normalizeReadiness(value string, overall float64) BoardReadiness {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch BoardReadiness(normalized) {
	case ReadinessReady, ReadinessMinorRevision, ReadinessMajorRevision, ReadinessReject:
		return BoardReadiness(normalized)
	}

	switch {
	case overall >= 85:
		return ReadinessReady
	case overall >= 70:
		return ReadinessMinorRevision
	case overall >= 50:
		return ReadinessMajorRevision
	default:
		return ReadinessReject
	}
}

func clampScore(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

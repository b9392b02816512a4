package ai

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validDraftJSON = `{
  "stem": "A 34-year-old man presents with well-demarcated erythematous plaques with silvery scale on the extensor surfaces. What is the most likely diagnosis?",
  "options": {"B": "Atopic dermatitis", "A": "Psoriasis vulgaris", "C": "Tinea corporis", "D": "Lichen planus", "E": "Pityriasis rosea"},
  "correct_answer": "A",
  "explanation": "Silvery scale on extensor plaques is classic.",
  "references": ["Bolognia, Dermatology"]
}`

func TestParseDraftAcceptsKeyedOptions(t *testing.T) {
	draft, err := ParseDraft("```json\n" + validDraftJSON + "\n```")
	require.NoError(t, err)
	require.Equal(t, DraftOptions{"Psoriasis vulgaris", "Atopic dermatitis", "Tinea corporis", "Lichen planus", "Pityriasis rosea"}, draft.Options)
	require.Equal(t, AnswerKey("A"), draft.CorrectAnswer)
	require.Len(t, draft.References, 1)
}

func TestParseDraftRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":        "the model refused",
		"missing options": `{"stem": "A sufficiently long stem text", "correct_answer": "A"}`,
		"short stem":      `{"stem": "short", "options": ["a", "b"], "correct_answer": "A"}`,
		"one option":      `{"stem": "A sufficiently long stem text", "options": ["only"], "correct_answer": 1}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDraft(content)
			require.ErrorIs(t, err, ErrInvalidDraft)
		})
	}
}

func TestNormalizeResolvesAnswerForms(t *testing.T) {
	options := DraftOptions{"A) Psoriasis", "B) Eczema", "C) Tinea", "D) Lichen planus", "E) Rosacea"}
	cases := []struct {
		answer AnswerKey
		index  int
		letter string
	}{
		{answer: "c", index: 2, letter: "C"},
		{answer: "D)", index: 3, letter: "D"},
		{answer: "2", index: 1, letter: "B"},
		{answer: "rosacea", index: 4, letter: "E"},
	}

	for _, tc := range cases {
		question, err := Normalize(QuestionDraft{Stem: "Which diagnosis fits best?", Options: options, CorrectAnswer: tc.answer})
		require.NoError(t, err)
		require.Equal(t, tc.index, question.CorrectIndex)
		require.Equal(t, tc.letter, question.CorrectLetter)
		require.Equal(t, "Psoriasis", question.Options[0])
	}
}

func TestNormalizeRejectsBadDrafts(t *testing.T) {
	_, err := Normalize(QuestionDraft{Stem: "  ", Options: DraftOptions{"a", "b"}, CorrectAnswer: "A"})
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = Normalize(QuestionDraft{Stem: "Stem", Options: DraftOptions{"a", "b"}, CorrectAnswer: "E"})
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = Normalize(QuestionDraft{Stem: "Stem", Options: DraftOptions{"a", "b"}, CorrectAnswer: "9"})
	require.ErrorIs(t, err, ErrInvalidDraft)

	_, err = Normalize(QuestionDraft{Stem: "Stem", Options: DraftOptions{"a", "b"}, CorrectAnswer: "none of these"})
	require.ErrorIs(t, err, ErrInvalidDraft)
}

func TestScoreRules(t *testing.T) {
	draft, err := ParseDraft(validDraftJSON)
	require.NoError(t, err)
	question, err := Normalize(draft)
	require.NoError(t, err)

	score := ScoreRules(question)
	require.Equal(t, 93.0, score.Overall)
	require.True(t, score.Checks["clinical_vignette"])
	require.True(t, score.Checks["five_options"])
	require.True(t, score.Checks["distinct_options"])
	require.False(t, score.Checks["explanation"])

	weak := ScoreRules(NormalizedQuestion{Stem: "Short?", Options: []string{"x", "X"}, CorrectIndex: 0})
	require.Equal(t, 30.0, weak.Overall)
	require.False(t, weak.Checks["distinct_options"])
}

func TestQualityScoreNeedsReview(t *testing.T) {
	require.True(t, QualityScore{Overall: 69.9, BoardReadiness: ReadinessReady}.NeedsReview(70))
	require.False(t, QualityScore{Overall: 70, BoardReadiness: ReadinessMinorRevision}.NeedsReview(70))
	require.True(t, QualityScore{Overall: 95, BoardReadiness: ReadinessMajorRevision}.NeedsReview(70))
}

func TestParseScoreResponse(t *testing.T) {
	score, err := parseScoreResponse("```json\n{\"overall\": 140, \"board_readiness\": \"Minor Revision\", \"clarity\": -3, \"feedback\": \"ok\"}\n```")
	require.NoError(t, err)
	require.Equal(t, 100.0, score.Overall)
	require.Equal(t, ReadinessMinorRevision, score.BoardReadiness)
	require.Equal(t, 0.0, score.Clarity)

	score, err = parseScoreResponse(`{"overall": 55, "board_readiness": "unsure"}`)
	require.NoError(t, err)
	require.Equal(t, ReadinessMajorRevision, score.BoardReadiness)

	_, err = parseScoreResponse("no json")
	require.Error(t, err)
}

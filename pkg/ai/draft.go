package ai

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const draftSchemaSource = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["stem", "options", "correct_answer"],
  "properties": {
    "stem": {"type": "string", "minLength": 10},
    "options": {
      "oneOf": [
        {"type": "array", "minItems": 2, "items": {"type": "string"}},
        {"type": "object", "minProperties": 2, "additionalProperties": {"type": "string"}}
      ]
    },
    "correct_answer": {"type": ["string", "integer"]},
    "explanation": {"type": "string"},
    "references": {"type": "array", "items": {"type": "string"}}
  }
}`

var draftSchema = jsonschema.MustCompileString("question_draft.schema.json", draftSchemaSource)

// ParseDraft validates a model response against the draft schema and decodes it.
func ParseDraft(content string) (QuestionDraft, error) {
	content = stripCodeFence(content)

	var document interface{}
	if err := json.Unmarshal([]byte(content), &document); err != nil {
		return QuestionDraft{}, fmt.Errorf("%w: parse json: %v", ErrInvalidDraft, err)
	}
	if err := draftSchema.Validate(document); err != nil {
		return QuestionDraft{}, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	var draft QuestionDraft
	if err := json.Unmarshal([]byte(content), &draft); err != nil {
		return QuestionDraft{}, fmt.Errorf("%w: decode: %v", ErrInvalidDraft, err)
	}
	return draft, nil
}

// NormalizedQuestion is a draft reduced to an ordered option list with a resolved answer.
type NormalizedQuestion struct {
	Stem          string   `json:"stem"`
	Options       []string `json:"options"`
	CorrectIndex  int      `json:"correct_index"`
	CorrectLetter string   `json:"correct_letter"`
	Explanation   string   `json:"explanation,omitempty"`
	References    []string `json:"references,omitempty"`
}

// Normalize resolves the draft's options and correct answer.
func Normalize(draft QuestionDraft) (NormalizedQuestion, error) {
	stem := strings.TrimSpace(draft.Stem)
	if stem == "" {
		return NormalizedQuestion{}, fmt.Errorf("%w: empty stem", ErrInvalidDraft)
	}

	options := make([]string, 0, len(draft.Options))
	for _, option := range draft.Options {
		options = append(options, stripOptionLabel(strings.TrimSpace(option)))
	}
	if len(options) < 2 {
		return NormalizedQuestion{}, fmt.Errorf("%w: expected at least 2 options, got %d", ErrInvalidDraft, len(options))
	}

	index, err := resolveAnswerIndex(string(draft.CorrectAnswer), options)
	if err != nil {
		return NormalizedQuestion{}, err
	}

	return NormalizedQuestion{
		Stem:          stem,
		Options:       options,
		CorrectIndex:  index,
		CorrectLetter: string(rune('A' + index)),
		Explanation:   strings.TrimSpace(draft.Explanation),
		References:    draft.References,
	}, nil
}

// RuleScore is the deterministic structural quality score of a question.
type RuleScore struct {
	Overall float64         `json:"overall"`
	Checks  map[string]bool `json:"checks"`
}

// ScoreRules grades a normalized question on structure alone.
func ScoreRules(question NormalizedQuestion) RuleScore {
	checks := map[string]bool{}
	score := 0.0

	stemLength := len(question.Stem)
	checks["clinical_vignette"] = stemLength >= 80
	switch {
	case stemLength >= 80:
		score += 25
	case stemLength >= 40:
		score += 15
	default:
		score += 5
	}

	checks["five_options"] = len(question.Options) == 5
	switch {
	case len(question.Options) == 5:
		score += 20
	case len(question.Options) >= 4:
		score += 15
	default:
		score += 5
	}

	checks["distinct_options"] = distinct(question.Options)
	if checks["distinct_options"] {
		score += 15
	}

	checks["answer_in_range"] = question.CorrectIndex >= 0 && question.CorrectIndex < len(question.Options)
	if checks["answer_in_range"] {
		score += 20
	}

	checks["explanation"] = len(question.Explanation) >= 100
	switch {
	case len(question.Explanation) >= 100:
		score += 15
	case question.Explanation != "":
		score += 8
	}

	checks["references"] = len(question.References) > 0
	if checks["references"] {
		score += 5
	}

	return RuleScore{Overall: score, Checks: checks}
}

func resolveAnswerIndex(key string, options []string) (int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return -1, fmt.Errorf("%w: missing correct answer", ErrInvalidDraft)
	}

	letter := strings.ToUpper(strings.TrimRight(key, ").:"))
	if len(letter) == 1 && letter[0] >= 'A' && letter[0] <= 'Z' {
		index := int(letter[0] - 'A')
		if index < len(options) {
			return index, nil
		}
		return -1, fmt.Errorf("%w: answer %s out of range", ErrInvalidDraft, letter)
	}

	if number, err := strconv.Atoi(key); err == nil {
		// numeric keys from models are usually 1-based
		switch {
		case number >= 1 && number <= len(options):
			return number - 1, nil
		case number == 0:
			return 0, nil
		}
		return -1, fmt.Errorf("%w: answer %d out of range", ErrInvalidDraft, number)
	}

	target := strings.ToLower(stripOptionLabel(key))
	for i, option := range options {
		if strings.ToLower(option) == target {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: answer %q does not match any option", ErrInvalidDraft, key)
}

func stripOptionLabel(option string) string {
	if len(option) >= 3 && option[0] >= 'A' && option[0] <= 'E' && (option[1] == ')' || option[1] == '.') && option[2] == ' ' {
		return strings.TrimSpace(option[3:])
	}
	return option
}

func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func distinct(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		key := strings.ToLower(strings.TrimSpace(value))
		if _, ok := seen[key]; ok {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}

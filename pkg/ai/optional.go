package ai

import "context"

// OptionalScore is the outcome of a best-effort AI scoring call. A missing score never fails the
// caller; use Get to read it and Err to log why it is absent.
type OptionalScore struct {
	score   QualityScore
	present bool
	err     error
}

// ScoreOptional runs the scorer and captures its outcome instead of returning an error.
// A nil scorer yields an absent score with no error.
func ScoreOptional(ctx context.Context, scorer Scorer, draft QuestionDraft) OptionalScore {
	if scorer == nil {
		return OptionalScore{}
	}
	score, err := scorer.Score(ctx, draft)
	if err != nil {
		return OptionalScore{err: err}
	}
	return OptionalScore{score: score, present: true}
}

// Get returns the score and whether it is present.
func (o OptionalScore) Get() (QualityScore, bool) {
	return o.score, o.present
}

// Err returns the scoring failure, if any.
func (o OptionalScore) Err() error {
	return o.err
}

package ai

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle bounds the request rate against the AI providers and tracks calls in flight.
type Throttle struct {
	limiter  *rate.Limiter
	capacity int
	inFlight atomic.Int64
}

// NewThrottle builds a throttle allowing rps requests per second with the given burst.
// A non-positive rps disables rate limiting but still counts calls in flight.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Throttle{
		limiter:  rate.NewLimiter(limit, burst),
		capacity: burst,
	}
}

// Do waits for a token and runs fn.
func (t *Throttle) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	return fn(ctx)
}

// InFlight returns the number of calls currently running.
func (t *Throttle) InFlight() int {
	return int(t.inFlight.Load())
}

// Capacity returns the nominal number of concurrent calls the throttle is sized for.
func (t *Throttle) Capacity() int {
	return t.capacity
}

type throttledGenerator struct {
	next     Generator
	throttle *Throttle
}

// ThrottledGenerator wraps a generator so every call goes through the throttle.
func ThrottledGenerator(next Generator, throttle *Throttle) Generator {
	if throttle == nil {
		return next
	}
	return &throttledGenerator{next: next, throttle: throttle}
}

func (g *throttledGenerator) Generate(ctx context.Context, req GenerationRequest) (QuestionDraft, error) {
	var draft QuestionDraft
	err := g.throttle.Do(ctx, func(ctx context.Context) error {
		var err error
		draft, err = g.next.Generate(ctx, req)
		return err
	})
	return draft, err
}

type throttledScorer struct {
	next     Scorer
	throttle *Throttle
}

// ThrottledScorer wraps a scorer so every call goes through the throttle.
func ThrottledScorer(next Scorer, throttle *Throttle) Scorer {
	if throttle == nil || next == nil {
		return next
	}
	return &throttledScorer{next: next, throttle: throttle}
}

func (s *throttledScorer) Score(ctx context.Context, draft QuestionDraft) (QualityScore, error) {
	var score QualityScore
	err := s.throttle.Do(ctx, func(ctx context.Context) error {
		var err error
		score, err = s.next.Score(ctx, draft)
		return err
	})
	return score, err
}

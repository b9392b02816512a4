package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// DefaultReviewThreshold is the AI score below which a question is sent to review.
const DefaultReviewThreshold = 70.0

// BatchOutcome summarises one executed batch.
type BatchOutcome struct {
	Successes       int
	Failures        int
	Skipped         int
	TestIndices     []int
	UpdatedEndIndex int
}

type testOutcome struct {
	index   int
	success bool
	skipped bool
}

// BatchExecutor runs one contiguous slice of a job's test cases concurrently.
type BatchExecutor struct {
	jobs            repository.EvaluationJobRepository
	results         repository.EvaluationResultRepository
	generator       ai.Generator
	scorer          ai.Scorer
	review          ReviewQueue
	reviewThreshold float64
	live            LiveLogger
	logger          zerolog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// BatchExecutorConfig wires the executor collaborators. Scorer and Review are optional.
type BatchExecutorConfig struct {
	Jobs            repository.EvaluationJobRepository
	Results         repository.EvaluationResultRepository
	Generator       ai.Generator
	Scorer          ai.Scorer
	Review          ReviewQueue
	ReviewThreshold float64
	Live            LiveLogger
	Logger          zerolog.Logger
}

// NewBatchExecutor constructs an executor.
func NewBatchExecutor(cfg BatchExecutorConfig) *BatchExecutor {
	threshold := cfg.ReviewThreshold
	if threshold <= 0 {
		threshold = DefaultReviewThreshold
	}
	return &BatchExecutor{
		jobs:            cfg.Jobs,
		results:         cfg.Results,
		generator:       cfg.Generator,
		scorer:          cfg.Scorer,
		review:          cfg.Review,
		reviewThreshold: threshold,
		live:            cfg.Live,
		logger:          cfg.Logger.With().Str("component", "evaluation_executor").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/gema-exam-eval/internal/service/evaluation_executor"),
		now:             time.Now,
	}
}

// ExecuteBatch runs test cases [startIndex, startIndex+batchSize) of the job. Every test case
// settles independently; a failing case never aborts its siblings. Indices that already have a
// persisted result are skipped. The returned error is reserved for store failures that prevent
// the batch from running at all.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, job models.EvaluationJob, startIndex, batchSize int) (BatchOutcome, error) {
	total := len(job.TestCases)
	if startIndex < 0 {
		startIndex = 0
	}
	if batchSize < 1 {
		batchSize = 1
	}
	end := min(startIndex+batchSize, total)
	if startIndex >= end {
		return BatchOutcome{UpdatedEndIndex: max(startIndex, end)}, nil
	}

	ctx, span := e.tracer.Start(ctx, "evaluation.execute_batch", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("batch.start", startIndex),
		attribute.Int("batch.end", end),
	))
	defer span.End()

	existing, err := e.results.ListIndices(ctx, job.ID)
	if err != nil {
		span.RecordError(err)
		return BatchOutcome{}, fmt.Errorf("list persisted results: %w", err)
	}
	done := make(map[int]struct{}, len(existing))
	for _, index := range existing {
		done[index] = struct{}{}
	}

	e.live.Record(ctx, job.ID, LiveEventBatchStart, fmt.Sprintf("Starting batch %d-%d of %d", startIndex, end-1, total), map[string]interface{}{
		"start_index": startIndex,
		"end_index":   end,
		"batch_size":  end - startIndex,
	})

	outcomes := make([]testOutcome, end-startIndex)
	var group errgroup.Group
	for index := startIndex; index < end; index++ {
		slot := index - startIndex
		testIndex := index
		if _, ok := done[testIndex]; ok {
			outcomes[slot] = testOutcome{index: testIndex, skipped: true}
			e.live.Record(ctx, job.ID, LiveEventTestSkipped, fmt.Sprintf("Test %d already has a result", testIndex), map[string]interface{}{"test_index": testIndex})
			continue
		}
		group.Go(func() error {
			outcomes[slot] = e.runTestCase(ctx, job, testIndex)
			return nil
		})
	}
	_ = group.Wait()

	outcome := BatchOutcome{UpdatedEndIndex: end, TestIndices: make([]int, 0, len(outcomes))}
	for _, result := range outcomes {
		outcome.TestIndices = append(outcome.TestIndices, result.index)
		switch {
		case result.skipped:
			outcome.Skipped++
		case result.success:
			outcome.Successes++
		default:
			outcome.Failures++
		}
	}

	e.live.Record(ctx, job.ID, LiveEventBatchComplete, fmt.Sprintf("Batch %d-%d finished: %d succeeded, %d failed", startIndex, end-1, outcome.Successes, outcome.Failures), map[string]interface{}{
		"start_index": startIndex,
		"end_index":   end,
		"successes":   outcome.Successes,
		"failures":    outcome.Failures,
		"skipped":     outcome.Skipped,
	})

	span.SetAttributes(attribute.Int("batch.successes", outcome.Successes), attribute.Int("batch.failures", outcome.Failures))
	return outcome, nil
}

func (e *BatchExecutor) runTestCase(ctx context.Context, job models.EvaluationJob, index int) (outcome testOutcome) {
	testCase := job.TestCases[index]
	outcome.index = index
	logger := e.logger.With().Str("job_id", job.ID).Int("test_index", index).Str("pipeline", testCase.Pipeline).Logger()

	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("panic: %v", recovered)
			logger.Error().Err(err).Msg("test case panicked")
			outcome.success = false
			outcome.skipped = !e.recordFailure(ctx, job, index, testCase, "panic", err, nil, 0, string(debug.Stack()))
		}
	}()

	if err := e.jobs.UpdateProgressInfo(ctx, job.ID, testCase); err != nil {
		logger.Debug().Err(err).Msg("failed to update progress info")
	}

	e.live.Record(ctx, job.ID, LiveEventTestStart, fmt.Sprintf("Generating %s question on %s with %s", testCase.Difficulty, testCase.Topic, testCase.Pipeline), map[string]interface{}{
		"test_index": index,
		"pipeline":   testCase.Pipeline,
		"topic":      testCase.Topic,
		"difficulty": testCase.Difficulty,
	})

	started := e.now()
	draft, err := e.generator.Generate(ctx, ai.GenerationRequest{
		Pipeline:   testCase.Pipeline,
		Topic:      testCase.Topic,
		Difficulty: testCase.Difficulty,
	})
	if err != nil {
		code := "generation_failed"
		if errors.Is(err, ai.ErrUnknownPipeline) {
			code = "unknown_pipeline"
		}
		outcome.skipped = !e.recordFailure(ctx, job, index, testCase, code, err, nil, e.now().Sub(started), "")
		return outcome
	}

	question, err := ai.Normalize(draft)
	if err != nil {
		outcome.skipped = !e.recordFailure(ctx, job, index, testCase, "invalid_draft", err, &draft, e.now().Sub(started), "")
		return outcome
	}
	ruleScore := ai.ScoreRules(question)

	optional := ai.ScoreOptional(ctx, e.scorer, draft)
	if scoreErr := optional.Err(); scoreErr != nil {
		logger.Warn().Err(scoreErr).Msg("ai scoring failed, keeping rule-based score only")
	}
	aiScore, hasAIScore := optional.Get()
	latency := e.now().Sub(started)

	result := models.EvaluationTestResult{
		JobID:      job.ID,
		TestIndex:  index,
		DocKey:     models.TestResultKey(index),
		Pipeline:   testCase.Pipeline,
		Topic:      testCase.Topic,
		Difficulty: testCase.Difficulty,
		Category:   testCase.Category,
		Success:    true,
		LatencyMs:  latency.Milliseconds(),
		Draft:      datatypes.NewJSONType(&draft),
		Question:   datatypes.NewJSONType(&question),
		RuleScore:  datatypes.NewJSONType(&ruleScore),
		AIScore:    datatypes.NewJSONType[*ai.QualityScore](nil),
	}
	if hasAIScore {
		result.AIScore = datatypes.NewJSONType(&aiScore)
	}

	created, err := e.results.Save(ctx, &result)
	if err != nil {
		outcome.skipped = !e.recordFailure(ctx, job, index, testCase, "persist_failed", err, &draft, latency, "")
		return outcome
	}
	if !created {
		logger.Info().Msg("result already persisted by another invocation")
		outcome.skipped = true
		return outcome
	}
	e.incrementCompleted(ctx, job.ID, logger)

	outcome.success = true
	observability.EvaluationTests().WithLabelValues(testCase.Pipeline, "success").Inc()

	data := map[string]interface{}{
		"test_index": index,
		"latency_ms": latency.Milliseconds(),
		"rule_score": ruleScore.Overall,
	}
	if hasAIScore {
		data["ai_score"] = aiScore.Overall
		data["board_readiness"] = string(aiScore.BoardReadiness)
	}
	e.live.Record(ctx, job.ID, LiveEventTestComplete, fmt.Sprintf("Test %d completed in %dms", index, latency.Milliseconds()), data)

	if hasAIScore && aiScore.NeedsReview(e.reviewThreshold) {
		e.enqueueReview(ctx, job.ID, index, testCase, question, aiScore, logger)
	}

	return outcome
}

// recordFailure persists a failed result and, when this call created it, appends the error
// entry and advances the counter. The counter tracks persisted results, so a failure whose row
// could not be written is logged and reported but not counted; the sweeper reruns that index.
// It reports whether the failure was newly recorded.
func (e *BatchExecutor) recordFailure(ctx context.Context, job models.EvaluationJob, index int, testCase models.TestCase, code string, cause error, draft *ai.QuestionDraft, latency time.Duration, stack string) bool {
	logger := e.logger.With().Str("job_id", job.ID).Int("test_index", index).Str("pipeline", testCase.Pipeline).Logger()
	logger.Warn().Err(cause).Str("code", code).Msg("test case failed")

	result := models.EvaluationTestResult{
		JobID:        job.ID,
		TestIndex:    index,
		DocKey:       models.TestResultKey(index),
		Pipeline:     testCase.Pipeline,
		Topic:        testCase.Topic,
		Difficulty:   testCase.Difficulty,
		Category:     testCase.Category,
		Success:      false,
		ErrorMessage: cause.Error(),
		LatencyMs:    latency.Milliseconds(),
		Draft:        datatypes.NewJSONType(draft),
		Question:     datatypes.NewJSONType[*ai.NormalizedQuestion](nil),
		RuleScore:    datatypes.NewJSONType[*ai.RuleScore](nil),
		AIScore:      datatypes.NewJSONType[*ai.QualityScore](nil),
	}

	created, err := e.results.Save(ctx, &result)
	persisted := err == nil
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("failed to persist failed result")
	case !created:
		return false
	}

	entryIndex := index
	entry := models.EvaluationErrorEntry{
		JobID:      job.ID,
		TestIndex:  &entryIndex,
		Pipeline:   testCase.Pipeline,
		Topic:      testCase.Topic,
		Difficulty: testCase.Difficulty,
		Message:    cause.Error(),
		Code:       code,
		Stack:      stack,
		Context: datatypes.JSONMap{
			"attempt":     1,
			"fatal":       false,
			"has_draft":   draft != nil,
			"latency_ms":  latency.Milliseconds(),
			"test_index":  index,
			"error_stage": code,
		},
	}
	appended, err := e.jobs.AppendError(ctx, &entry)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("failed to append error entry")
	case !appended:
		logger.Info().Msg("job no longer active, error entry discarded")
	}

	if persisted {
		e.incrementCompleted(ctx, job.ID, logger)
	}
	observability.EvaluationTests().WithLabelValues(testCase.Pipeline, "failure").Inc()

	e.live.Record(ctx, job.ID, LiveEventTestError, fmt.Sprintf("Test %d failed: %s", index, cause.Error()), map[string]interface{}{
		"test_index": index,
		"code":       code,
	})
	return true
}

func (e *BatchExecutor) incrementCompleted(ctx context.Context, jobID string, logger zerolog.Logger) {
	if _, err := e.jobs.IncrementCompleted(ctx, jobID); err != nil {
		logger.Error().Err(err).Msg("failed to increment completed tests")
	}
}

func (e *BatchExecutor) enqueueReview(ctx context.Context, jobID string, index int, testCase models.TestCase, question ai.NormalizedQuestion, score ai.QualityScore, logger zerolog.Logger) {
	if e.review == nil {
		return
	}

	item := ReviewItem{
		JobID:          jobID,
		TestIndex:      index,
		Pipeline:       testCase.Pipeline,
		Topic:          testCase.Topic,
		Difficulty:     testCase.Difficulty,
		Stem:           question.Stem,
		Overall:        score.Overall,
		BoardReadiness: score.BoardReadiness,
		Priority:       ReviewPriority(score.Overall),
		EnqueuedAt:     e.now().UTC(),
	}
	if err := e.review.Enqueue(ctx, item); err != nil {
		logger.Warn().Err(err).Msg("failed to enqueue question for review")
		return
	}
	observability.ReviewEnqueued().Inc()
}

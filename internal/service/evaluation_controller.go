package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
)

const (
	// DefaultInvocationBudget leaves headroom under a five minute invocation ceiling.
	DefaultInvocationBudget = 4*time.Minute + 30*time.Second
	defaultCancellationText = "Cancelled by user"
)

// ProcessBatchRequest selects where and how much of a job to run.
type ProcessBatchRequest struct {
	JobID      string
	StartIndex int
	BatchSize  int
	ProcessAll bool
}

// ProcessBatchResult reports the state of a job after an invocation.
type ProcessBatchResult struct {
	Success        bool                       `json:"success"`
	Finished       bool                       `json:"finished"`
	NextStartIndex *int                       `json:"next_start_index,omitempty"`
	BatchSuccesses *int                       `json:"batch_successes,omitempty"`
	BatchSize      *int                       `json:"batch_size,omitempty"`
	Status         models.EvaluationJobStatus `json:"status"`
	Message        string                     `json:"message,omitempty"`
}

// JobController drives a job through its batches until it finishes, is cancelled, or yields.
type JobController struct {
	jobs         repository.EvaluationJobRepository
	sizer        *BatchSizer
	executor     *BatchExecutor
	finalizer    *Finalizer
	continuation ContinuationQueue
	lease        JobLease
	live         LiveLogger
	budget       time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// JobControllerConfig wires the controller. Continuation and Lease are optional.
type JobControllerConfig struct {
	Jobs         repository.EvaluationJobRepository
	Sizer        *BatchSizer
	Executor     *BatchExecutor
	Finalizer    *Finalizer
	Continuation ContinuationQueue
	Lease        JobLease
	Live         LiveLogger
	Budget       time.Duration
	Logger       zerolog.Logger
}

// NewJobController constructs a controller.
func NewJobController(cfg JobControllerConfig) *JobController {
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultInvocationBudget
	}
	lease := cfg.Lease
	if lease == nil {
		lease = noopJobLease{}
	}
	return &JobController{
		jobs:         cfg.Jobs,
		sizer:        cfg.Sizer,
		executor:     cfg.Executor,
		finalizer:    cfg.Finalizer,
		continuation: cfg.Continuation,
		lease:        lease,
		live:         cfg.Live,
		budget:       budget,
		logger:       cfg.Logger.With().Str("component", "evaluation_controller").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-exam-eval/internal/service/evaluation_controller"),
		now:          time.Now,
	}
}

// ProcessBatch runs one batch, or in process-all mode every batch that fits in the invocation
// budget. Terminal jobs are reported without any write.
func (c *JobController) ProcessBatch(ctx context.Context, req ProcessBatchRequest) (ProcessBatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "evaluation.process_batch", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.Int("batch.start", req.StartIndex),
		attribute.Bool("batch.process_all", req.ProcessAll),
	))
	defer span.End()

	release, err := c.lease.Acquire(ctx, req.JobID)
	if err != nil {
		span.RecordError(err)
		return ProcessBatchResult{}, err
	}
	release = sync.OnceFunc(release)
	defer release()

	deadline := c.now().Add(c.budget)
	start := max(req.StartIndex, 0)
	if req.BatchSize <= 0 {
		req.BatchSize = MaxSafeBatchSize
	}
	logger := middleware.CorrelatedLogger(ctx, c.logger).With().Str("job_id", req.JobID).Logger()

	job, err := c.loadJob(ctx, req.JobID)
	if err != nil {
		span.RecordError(err)
		return ProcessBatchResult{}, err
	}
	if start >= job.TotalTests && !job.Status.IsTerminal() {
		if start, err = c.firstUnfinishedIndex(ctx, job); err != nil {
			span.RecordError(err)
			return ProcessBatchResult{}, err
		}
		if start != req.StartIndex {
			logger.Warn().Int("requested_start", req.StartIndex).Int("start_index", start).Msg("start index past the end, resuming at first missing result")
		}
	}

	for {
		switch state := job.State().(type) {
		case models.CompletedJob, models.FailedJob, models.CancelledJob:
			return ProcessBatchResult{Success: true, Finished: true, Status: state.Status(), Message: "already finished"}, nil
		case models.PendingJob:
			if state.CancelRequested {
				return c.cancel(ctx, job, logger), nil
			}
		case models.RunningJob:
			if state.CancelRequested {
				return c.cancel(ctx, job, logger), nil
			}
		}

		if start >= job.TotalTests {
			return c.finalize(ctx, job.ID, logger), nil
		}

		if job.Status == models.EvaluationJobPending {
			if _, err := c.jobs.MarkRunning(ctx, job.ID); err != nil {
				return c.fail(ctx, job.ID, fmt.Errorf("mark running: %w", err), "", logger), nil
			}
		}

		next, successes, size, failure := c.runBatch(ctx, job, start, req.BatchSize)
		if failure != nil {
			span.RecordError(failure.cause)
			span.SetStatus(codes.Error, "batch_failed")
			return c.fail(ctx, job.ID, failure.cause, failure.stack, logger), nil
		}

		job, err = c.loadJob(ctx, req.JobID)
		if err != nil {
			return c.fail(ctx, req.JobID, fmt.Errorf("reload job: %w", err), "", logger), nil
		}
		if job.Status.IsTerminal() {
			return ProcessBatchResult{Success: true, Finished: true, Status: job.Status, Message: "already finished"}, nil
		}
		if job.CancelRequested {
			return c.cancel(ctx, job, logger), nil
		}

		if next >= job.TotalTests {
			result := c.finalize(ctx, job.ID, logger)
			result.BatchSuccesses = intPtr(successes)
			result.BatchSize = intPtr(size)
			return result, nil
		}

		if !req.ProcessAll {
			return ProcessBatchResult{
				Success:        true,
				Finished:       false,
				NextStartIndex: intPtr(next),
				BatchSuccesses: intPtr(successes),
				BatchSize:      intPtr(size),
				Status:         models.EvaluationJobRunning,
				Message:        fmt.Sprintf("Processed tests %d-%d", start, next-1),
			}, nil
		}

		if c.continuation != nil && (ctx.Err() != nil || !c.now().Before(deadline)) {
			return c.yield(ctx, release, job.ID, next, req.BatchSize, successes, size, logger), nil
		}
		if ctx.Err() != nil {
			return ProcessBatchResult{}, ctx.Err()
		}

		start = next
	}
}

type batchFailure struct {
	cause error
	stack string
}

func (c *JobController) runBatch(ctx context.Context, job models.EvaluationJob, start, requested int) (next, successes, size int, failure *batchFailure) {
	defer func() {
		if recovered := recover(); recovered != nil {
			failure = &batchFailure{cause: fmt.Errorf("batch panicked: %v", recovered), stack: string(debug.Stack())}
		}
	}()

	remaining := job.TestCases[min(start, len(job.TestCases)):]
	size = c.sizer.Size(ctx, requested, remaining)

	outcome, err := c.executor.ExecuteBatch(ctx, job, start, size)
	if err != nil {
		return 0, 0, size, &batchFailure{cause: fmt.Errorf("execute batch at %d: %w", start, err)}
	}
	return outcome.UpdatedEndIndex, outcome.Successes, size, nil
}

// firstUnfinishedIndex finds where a job must resume when the requested start lies past the
// last test. Only a job with every result persisted may go straight to finalization.
func (c *JobController) firstUnfinishedIndex(ctx context.Context, job models.EvaluationJob) (int, error) {
	indices, err := c.executor.results.ListIndices(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("list persisted results: %w", err)
	}
	return FirstMissingIndex(indices, job.TotalTests), nil
}

func (c *JobController) loadJob(ctx context.Context, jobID string) (models.EvaluationJob, error) {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EvaluationJob{}, ErrEvaluationJobNotFound
		}
		return models.EvaluationJob{}, fmt.Errorf("load evaluation job: %w", err)
	}
	return job, nil
}

func (c *JobController) cancel(ctx context.Context, job models.EvaluationJob, logger zerolog.Logger) ProcessBatchResult {
	reason := job.CancellationReason
	if reason == "" {
		reason = defaultCancellationText
	}

	applied, err := c.jobs.Finish(ctx, job.ID, repository.EvaluationJobFinish{
		Status:      models.EvaluationJobCancelled,
		Reason:      reason,
		CompletedAt: c.now().UTC(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark job cancelled")
		return ProcessBatchResult{Success: false, Finished: false, Status: job.Status, Message: "cancellation could not be stored"}
	}
	if applied {
		observability.EvaluationJobsFinished().WithLabelValues(string(models.EvaluationJobCancelled)).Inc()
		c.live.Record(ctx, job.ID, LiveEventJobCancelled, "Evaluation cancelled: "+reason, map[string]interface{}{
			"reason":          reason,
			"completed_tests": job.CompletedTests,
			"total_tests":     job.TotalTests,
		})
		logger.Info().Str("reason", reason).Msg("evaluation job cancelled")
	}
	return ProcessBatchResult{Success: true, Finished: true, Status: models.EvaluationJobCancelled, Message: reason}
}

func (c *JobController) finalize(ctx context.Context, jobID string, logger zerolog.Logger) ProcessBatchResult {
	status, err := c.finalizer.Finalize(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("finalization failed")
		return ProcessBatchResult{Success: false, Finished: true, Status: models.EvaluationJobFailed, Message: err.Error()}
	}
	if status == "" {
		return ProcessBatchResult{Success: true, Finished: true, Status: status, Message: "already finished"}
	}
	return ProcessBatchResult{Success: true, Finished: true, Status: status, Message: "Evaluation completed"}
}

func (c *JobController) fail(ctx context.Context, jobID string, cause error, stack string, logger zerolog.Logger) ProcessBatchResult {
	logger.Error().Err(cause).Msg("evaluation job failed")
	failJobWithStack(ctx, c.jobs, c.live, logger, jobID, cause, stack, c.now())
	return ProcessBatchResult{Success: false, Finished: true, Status: models.EvaluationJobFailed, Message: cause.Error()}
}

func (c *JobController) yield(ctx context.Context, release func(), jobID string, next, requested, successes, size int, logger zerolog.Logger) ProcessBatchResult {
	// The caller context may already be done; the handoff must still be published.
	publishCtx := context.WithoutCancel(ctx)
	// The consumer of the continuation must find the lease free.
	release()
	err := c.continuation.Enqueue(publishCtx, Continuation{
		JobID:         jobID,
		StartIndex:    next,
		BatchSize:     requested,
		EnqueuedAt:    c.now().UTC(),
		CorrelationID: middleware.CorrelationIDFrom(ctx),
	})
	if err != nil {
		logger.Error().Err(err).Int("next_start_index", next).Msg("failed to enqueue continuation")
		return ProcessBatchResult{
			Success:        false,
			Finished:       false,
			NextStartIndex: intPtr(next),
			Status:         models.EvaluationJobRunning,
			Message:        "continuation could not be enqueued",
		}
	}

	c.live.Record(publishCtx, jobID, LiveEventContinuation, fmt.Sprintf("Invocation budget reached, continuing at test %d", next), map[string]interface{}{
		"next_start_index": next,
	})
	logger.Info().Int("next_start_index", next).Msg("evaluation continuation enqueued")
	return ProcessBatchResult{
		Success:        true,
		Finished:       false,
		NextStartIndex: intPtr(next),
		BatchSuccesses: intPtr(successes),
		BatchSize:      intPtr(size),
		Status:         models.EvaluationJobRunning,
		Message:        "continuation enqueued",
	}
}

func failJob(ctx context.Context, jobs repository.EvaluationJobRepository, live LiveLogger, logger zerolog.Logger, jobID string, cause error, at time.Time) {
	failJobWithStack(ctx, jobs, live, logger, jobID, cause, "", at)
}

// failJobWithStack moves an active job to failed together with its fatal error entry.
func failJobWithStack(ctx context.Context, jobs repository.EvaluationJobRepository, live LiveLogger, logger zerolog.Logger, jobID string, cause error, stack string, at time.Time) {
	ctx = context.WithoutCancel(ctx)

	entry := models.EvaluationErrorEntry{
		JobID:   jobID,
		Message: cause.Error(),
		Code:    "fatal",
		Stack:   stack,
		Fatal:   true,
		Context: datatypes.JSONMap{"fatal": true},
	}
	if job, err := jobs.GetByID(ctx, jobID); err == nil {
		entry.Context["completed_tests"] = job.CompletedTests
		entry.Context["total_tests"] = job.TotalTests
		entry.Context["status"] = string(job.Status)
		entry.Pipeline = job.CurrentPipeline
		entry.Topic = job.CurrentTopic
		entry.Difficulty = job.CurrentDifficulty
	}
	applied, err := jobs.Finish(ctx, jobID, repository.EvaluationJobFinish{
		Status:      models.EvaluationJobFailed,
		Reason:      cause.Error(),
		CompletedAt: at.UTC(),
		Error:       &entry,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
		return
	}
	if !applied {
		logger.Info().Msg("job already terminal, fatal error not recorded")
		return
	}
	observability.EvaluationJobsFinished().WithLabelValues(string(models.EvaluationJobFailed)).Inc()
	live.Record(ctx, jobID, LiveEventJobFailed, "Evaluation failed: "+cause.Error(), map[string]interface{}{"fatal": true})
}

func intPtr(value int) *int {
	return &value
}

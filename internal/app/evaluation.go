// Package app assembles the evaluation runner from configuration so the API server and the
// evalctl worker share one wiring.
package app

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/config"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
	"github.com/noah-isme/gema-exam-eval/internal/service"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// ContinuationConsumer is a continuation queue a worker can drain.
type ContinuationConsumer interface {
	service.ContinuationQueue
	Consume(ctx context.Context, processor service.BatchProcessor) error
}

// Dependencies are the infrastructure handles the evaluation stack is built from. Redis, NATS,
// Scorer and Reports are optional.
type Dependencies struct {
	Config    config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	NATS      *nats.Conn
	Generator ai.Generator
	Scorer    ai.Scorer
	Reports   service.ReportUploader
	Validator *validator.Validate
	Logger    zerolog.Logger
}

// Evaluation holds the wired evaluation components.
type Evaluation struct {
	Service       service.EvaluationService
	Controller    *service.JobController
	LiveLog       service.EvaluationLiveLogService
	Reviews       service.ReviewQueueReader
	Continuations ContinuationConsumer
	Sweeper       *service.StaleJobSweeper
	Throttle      *ai.Throttle
}

// Migrate creates or updates the evaluation tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.EvaluationJob{},
		&models.EvaluationErrorEntry{},
		&models.EvaluationTestResult{},
		&models.EvaluationLiveLog{},
		&models.EvaluationSummary{},
	); err != nil {
		return fmt.Errorf("migrate evaluation tables: %w", err)
	}
	return nil
}

// NewEvaluation wires repositories, collaborators, the controller and the service facade.
func NewEvaluation(deps Dependencies) (*Evaluation, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	cfg := deps.Config
	logger := deps.Logger

	jobs := repository.NewEvaluationJobRepository(deps.DB)
	results := repository.NewEvaluationResultRepository(deps.DB)
	summaries := repository.NewEvaluationSummaryRepository(deps.DB)
	liveLogs := repository.NewEvaluationLiveLogRepository(deps.DB)

	live := service.NewEvaluationLiveLogService(liveLogs, deps.NATS, cfg.RealtimeChannel, logger)

	throttle := ai.NewThrottle(cfg.AI.RequestsPerSecond, cfg.AI.Burst)
	generator := ai.ThrottledGenerator(deps.Generator, throttle)
	scorer := ai.ThrottledScorer(deps.Scorer, throttle)

	var reviewQueue service.ReviewQueue
	var reviews service.ReviewQueueReader
	if deps.Redis != nil {
		queue := service.NewRedisReviewQueue(deps.Redis, cfg.RealtimeChannel)
		reviewQueue = queue
		reviews = queue
	}

	var continuations ContinuationConsumer
	if deps.NATS != nil {
		continuations = service.NewNATSContinuationQueue(deps.NATS, cfg.RealtimeChannel, logger)
	} else {
		continuations = service.NewLocalContinuationQueue(cfg.Evaluation.ContinuationBuffer, logger)
	}

	sizer := service.NewBatchSizer(
		service.NewDermatologyComplexity(),
		service.NewEvaluationLoadSampler(jobs, cfg.Evaluation.LoadCapacity, throttle),
		cfg.Evaluation.MaxSafeBatchSize,
		logger,
	)

	executor := service.NewBatchExecutor(service.BatchExecutorConfig{
		Jobs:            jobs,
		Results:         results,
		Generator:       generator,
		Scorer:          scorer,
		Review:          reviewQueue,
		ReviewThreshold: cfg.Evaluation.ReviewThreshold,
		Live:            live,
		Logger:          logger,
	})

	finalizer := service.NewFinalizer(jobs, results, summaries, deps.Reports, live, logger)

	controller := service.NewJobController(service.JobControllerConfig{
		Jobs:         jobs,
		Sizer:        sizer,
		Executor:     executor,
		Finalizer:    finalizer,
		Continuation: continuations,
		Lease:        service.NewRedisJobLease(deps.Redis, cfg.Evaluation.LeaseTTL),
		Live:         live,
		Budget:       cfg.Evaluation.InvocationBudget,
		Logger:       logger,
	})

	evaluationService := service.NewEvaluationService(jobs, results, summaries, controller, live, validate, logger)
	sweeper := service.NewStaleJobSweeper(jobs, results, continuations, cfg.Evaluation.StaleAfter, logger)

	return &Evaluation{
		Service:       evaluationService,
		Controller:    controller,
		LiveLog:       live,
		Reviews:       reviews,
		Continuations: continuations,
		Sweeper:       sweeper,
		Throttle:      throttle,
	}, nil
}

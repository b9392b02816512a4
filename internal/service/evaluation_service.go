package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
)

var (
	// ErrEvaluationJobNotFound indicates the job does not exist.
	ErrEvaluationJobNotFound = errors.New("evaluation job not found")
	// ErrEvaluationJobForbidden indicates the caller may not act on the job.
	ErrEvaluationJobForbidden = errors.New("evaluation job access forbidden")
	// ErrEvaluationJobBusy indicates another invocation currently holds the job.
	ErrEvaluationJobBusy = errors.New("evaluation job is being processed")
	// ErrEvaluationJobFinished indicates the job already reached a terminal status.
	ErrEvaluationJobFinished = errors.New("evaluation job already finished")
	// ErrEvaluationSummaryNotFound indicates the job has no analytics summary yet.
	ErrEvaluationSummaryNotFound = errors.New("evaluation summary not found")
	// ErrInvalidEvaluationConfig indicates the configuration expands to no test cases.
	ErrInvalidEvaluationConfig = errors.New("evaluation config produces no test cases")
)

// EvaluationActor identifies the caller of an evaluation operation.
type EvaluationActor struct {
	UserID     string
	Privileged bool
}

// EvaluationService is the caller facing surface of the evaluation runner.
type EvaluationService interface {
	CreateJob(ctx context.Context, userID string, req dto.EvaluationCreateRequest) (dto.EvaluationCreatedResponse, error)
	GetJob(ctx context.Context, jobID string) (dto.EvaluationJobResponse, error)
	ProcessBatch(ctx context.Context, jobID string, req dto.EvaluationProcessRequest) (dto.EvaluationProcessResponse, error)
	CancelJob(ctx context.Context, jobID string, actor EvaluationActor, req dto.EvaluationCancelRequest) (dto.EvaluationJobResponse, error)
	ListResults(ctx context.Context, jobID string) ([]dto.EvaluationTestResultResponse, error)
	ListLogs(ctx context.Context, jobID string, limit int) ([]dto.EvaluationLogResponse, error)
	GetSummary(ctx context.Context, jobID string) (dto.EvaluationSummaryResponse, error)
	Subscribe(ctx context.Context, jobID string) (<-chan dto.EvaluationLogResponse, func(), error)
}

type evaluationService struct {
	jobs       repository.EvaluationJobRepository
	results    repository.EvaluationResultRepository
	summaries  repository.EvaluationSummaryRepository
	processor  BatchProcessor
	live       EvaluationLiveLogService
	validator  *validator.Validate
	sanitizer  *bluemonday.Policy
	logger     zerolog.Logger
	tracer     trace.Tracer
	newID      func() string
	now        func() time.Time
}

// NewEvaluationService constructs the evaluation facade.
func NewEvaluationService(
	jobs repository.EvaluationJobRepository,
	results repository.EvaluationResultRepository,
	summaries repository.EvaluationSummaryRepository,
	processor BatchProcessor,
	live EvaluationLiveLogService,
	validate *validator.Validate,
	logger zerolog.Logger,
) EvaluationService {
	return &evaluationService{
		jobs:      jobs,
		results:   results,
		summaries: summaries,
		processor: processor,
		live:      live,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "evaluation_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-eval/internal/service/evaluation"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

func (s *evaluationService) CreateJob(ctx context.Context, userID string, req dto.EvaluationCreateRequest) (dto.EvaluationCreatedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.create")
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return dto.EvaluationCreatedResponse{}, err
	}

	config := req.Config()
	config.Pipelines = trimAll(config.Pipelines)
	config.Topics = trimAll(config.Topics)

	testCases := GenerateTestCases(config)
	if len(testCases) == 0 {
		span.SetStatus(codes.Error, "empty config")
		return dto.EvaluationCreatedResponse{}, ErrInvalidEvaluationConfig
	}

	job := models.EvaluationJob{
		ID:         s.newID(),
		UserID:     userID,
		Status:     models.EvaluationJobPending,
		Config:     datatypes.NewJSONType(config),
		TestCases:  datatypes.NewJSONSlice(testCases),
		TotalTests: len(testCases),
		Results:    datatypes.NewJSONType(models.EvaluationResults{}),
	}
	if err := s.jobs.Create(ctx, &job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.EvaluationCreatedResponse{}, fmt.Errorf("create evaluation job: %w", err)
	}

	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Int("job.total_tests", job.TotalTests))
	s.logger.Info().Str("job_id", job.ID).Str("user_id", userID).Int("total_tests", job.TotalTests).Msg("evaluation job created")

	return dto.EvaluationCreatedResponse{ID: job.ID, Status: job.Status, TotalTests: job.TotalTests}, nil
}

func (s *evaluationService) GetJob(ctx context.Context, jobID string) (dto.EvaluationJobResponse, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return dto.EvaluationJobResponse{}, err
	}
	return dto.NewEvaluationJobResponse(job), nil
}

func (s *evaluationService) ProcessBatch(ctx context.Context, jobID string, req dto.EvaluationProcessRequest) (dto.EvaluationProcessResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.EvaluationProcessResponse{}, err
	}

	result, err := s.processor.ProcessBatch(ctx, ProcessBatchRequest{
		JobID:      jobID,
		StartIndex: req.StartIndex,
		BatchSize:  req.BatchSize,
		ProcessAll: req.ProcessAll,
	})
	if err != nil {
		return dto.EvaluationProcessResponse{}, err
	}

	return dto.EvaluationProcessResponse{
		Success:        result.Success,
		Finished:       result.Finished,
		Status:         result.Status,
		NextStartIndex: result.NextStartIndex,
		BatchSuccesses: result.BatchSuccesses,
		BatchSize:      result.BatchSize,
		Message:        result.Message,
	}, nil
}

// CancelJob records a cancellation request. The controller applies it at the next batch boundary.
func (s *evaluationService) CancelJob(ctx context.Context, jobID string, actor EvaluationActor, req dto.EvaluationCancelRequest) (dto.EvaluationJobResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.cancel", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.EvaluationJobResponse{}, err
	}

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return dto.EvaluationJobResponse{}, err
	}
	if job.UserID != actor.UserID && !actor.Privileged {
		span.SetStatus(codes.Error, "forbidden")
		return dto.EvaluationJobResponse{}, ErrEvaluationJobForbidden
	}
	if job.Status.IsTerminal() {
		return dto.EvaluationJobResponse{}, ErrEvaluationJobFinished
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(req.Reason))
	if reason == "" {
		reason = defaultCancellationText
	}

	applied, err := s.jobs.RequestCancel(ctx, jobID, reason)
	if err != nil {
		span.RecordError(err)
		return dto.EvaluationJobResponse{}, fmt.Errorf("request cancellation: %w", err)
	}
	if !applied {
		return dto.EvaluationJobResponse{}, ErrEvaluationJobFinished
	}

	s.logger.Info().Str("job_id", jobID).Str("user_id", actor.UserID).Msg("evaluation cancellation requested")

	job, err = s.loadJob(ctx, jobID)
	if err != nil {
		return dto.EvaluationJobResponse{}, err
	}
	return dto.NewEvaluationJobResponse(job), nil
}

func (s *evaluationService) ListResults(ctx context.Context, jobID string) ([]dto.EvaluationTestResultResponse, error) {
	if _, err := s.loadJob(ctx, jobID); err != nil {
		return nil, err
	}
	results, err := s.results.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list evaluation results: %w", err)
	}
	return dto.NewEvaluationTestResultResponseSlice(results), nil
}

func (s *evaluationService) ListLogs(ctx context.Context, jobID string, limit int) ([]dto.EvaluationLogResponse, error) {
	if _, err := s.loadJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.live.List(ctx, jobID, limit)
}

func (s *evaluationService) GetSummary(ctx context.Context, jobID string) (dto.EvaluationSummaryResponse, error) {
	summary, err := s.summaries.GetByJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationSummaryResponse{}, ErrEvaluationSummaryNotFound
		}
		return dto.EvaluationSummaryResponse{}, fmt.Errorf("load evaluation summary: %w", err)
	}
	return dto.NewEvaluationSummaryResponse(summary), nil
}

func (s *evaluationService) Subscribe(ctx context.Context, jobID string) (<-chan dto.EvaluationLogResponse, func(), error) {
	if _, err := s.loadJob(ctx, jobID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.live.Subscribe(jobID)
	return ch, cancel, nil
}

func (s *evaluationService) loadJob(ctx context.Context, jobID string) (models.EvaluationJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.EvaluationJob{}, ErrEvaluationJobNotFound
		}
		return models.EvaluationJob{}, fmt.Errorf("load evaluation job: %w", err)
	}
	return job, nil
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package dto

import (
	"time"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// EvaluationCreateRequest is the payload that starts a new evaluation job.
type EvaluationCreateRequest struct {
	BasicCount         int      `json:"basic_count" validate:"min=0,max=50"`
	AdvancedCount      int      `json:"advanced_count" validate:"min=0,max=50"`
	VeryDifficultCount int      `json:"very_difficult_count" validate:"min=0,max=50"`
	Pipelines          []string `json:"pipelines" validate:"required,min=1,max=10,dive,required,max=128"`
	Topics             []string `json:"topics" validate:"omitempty,max=50,dive,required,max=255"`
}

// Config converts the request into the immutable job configuration.
func (r EvaluationCreateRequest) Config() models.EvaluationConfig {
	return models.EvaluationConfig{
		BasicCount:         r.BasicCount,
		AdvancedCount:      r.AdvancedCount,
		VeryDifficultCount: r.VeryDifficultCount,
		Pipelines:          r.Pipelines,
		Topics:             r.Topics,
	}
}

// EvaluationProcessRequest asks the controller to run one or all remaining batches.
type EvaluationProcessRequest struct {
	StartIndex int  `json:"start_index" validate:"min=0"`
	BatchSize  int  `json:"batch_size" validate:"min=0,max=10"`
	ProcessAll bool `json:"process_all"`
}

// EvaluationCancelRequest carries an optional human readable reason.
type EvaluationCancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// EvaluationCreatedResponse is returned once a job is created.
type EvaluationCreatedResponse struct {
	ID         string                     `json:"id"`
	Status     models.EvaluationJobStatus `json:"status"`
	TotalTests int                        `json:"total_tests"`
}

// EvaluationProgress is the progress block of a job.
type EvaluationProgress struct {
	TotalTests        int    `json:"total_tests"`
	CompletedTests    int    `json:"completed_tests"`
	CurrentPipeline   string `json:"current_pipeline,omitempty"`
	CurrentTopic      string `json:"current_topic,omitempty"`
	CurrentDifficulty string `json:"current_difficulty,omitempty"`
}

// EvaluationJobResponse is the serialized evaluation job.
type EvaluationJobResponse struct {
	ID                 string                     `json:"id"`
	UserID             string                     `json:"user_id"`
	Status             models.EvaluationJobStatus `json:"status"`
	Config             models.EvaluationConfig    `json:"config"`
	TestCases          []models.TestCase          `json:"test_cases"`
	Progress           EvaluationProgress         `json:"progress"`
	CancelRequested    bool                       `json:"cancel_requested"`
	CancellationReason string                     `json:"cancellation_reason,omitempty"`
	FailureReason      string                     `json:"failure_reason,omitempty"`
	Results            EvaluationResultsResponse  `json:"results"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
	CompletedAt        *time.Time                 `json:"completed_at,omitempty"`
}

// EvaluationResultsResponse merges the aggregated results with the error trail.
type EvaluationResultsResponse struct {
	Errors     []models.EvaluationErrorEntry       `json:"errors"`
	Overall    *models.EvaluationMetrics           `json:"overall,omitempty"`
	ByPipeline map[string]models.EvaluationMetrics `json:"by_pipeline,omitempty"`
	ByCategory map[string]models.EvaluationMetrics `json:"by_category,omitempty"`
}

// NewEvaluationJobResponse converts a job model into its API representation.
func NewEvaluationJobResponse(job models.EvaluationJob) EvaluationJobResponse {
	results := job.Results.Data()
	errs := job.Errors
	if errs == nil {
		errs = []models.EvaluationErrorEntry{}
	}
	cases := []models.TestCase(job.TestCases)
	if cases == nil {
		cases = []models.TestCase{}
	}

	return EvaluationJobResponse{
		ID:        job.ID,
		UserID:    job.UserID,
		Status:    job.Status,
		Config:    job.Config.Data(),
		TestCases: cases,
		Progress: EvaluationProgress{
			TotalTests:        job.TotalTests,
			CompletedTests:    job.CompletedTests,
			CurrentPipeline:   job.CurrentPipeline,
			CurrentTopic:      job.CurrentTopic,
			CurrentDifficulty: job.CurrentDifficulty,
		},
		CancelRequested:    job.CancelRequested,
		CancellationReason: job.CancellationReason,
		FailureReason:      job.FailureReason,
		Results: EvaluationResultsResponse{
			Errors:     errs,
			Overall:    results.Overall,
			ByPipeline: results.ByPipeline,
			ByCategory: results.ByCategory,
		},
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
}

// EvaluationProcessResponse reports the outcome of a processing call.
type EvaluationProcessResponse struct {
	Success        bool                       `json:"success"`
	Finished       bool                       `json:"finished"`
	Status         models.EvaluationJobStatus `json:"status"`
	NextStartIndex *int                       `json:"next_start_index,omitempty"`
	BatchSuccesses *int                       `json:"batch_successes,omitempty"`
	BatchSize      *int                       `json:"batch_size,omitempty"`
	Message        string                     `json:"message,omitempty"`
}

// EvaluationTestResultResponse is one persisted test outcome.
type EvaluationTestResultResponse struct {
	Key        string                 `json:"key"`
	TestIndex  int                    `json:"test_index"`
	Pipeline   string                 `json:"pipeline"`
	Topic      string                 `json:"topic"`
	Difficulty string                 `json:"difficulty"`
	Category   string                 `json:"category"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	LatencyMs  int64                  `json:"latency_ms"`
	Question   *ai.NormalizedQuestion `json:"question,omitempty"`
	RuleScore  *ai.RuleScore          `json:"rule_score,omitempty"`
	AIScore    *ai.QualityScore       `json:"ai_score,omitempty"`
	Quality    float64                `json:"quality"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewEvaluationTestResultResponse converts a result model into its API representation.
func NewEvaluationTestResultResponse(result models.EvaluationTestResult) EvaluationTestResultResponse {
	return EvaluationTestResultResponse{
		Key:        result.DocKey,
		TestIndex:  result.TestIndex,
		Pipeline:   result.Pipeline,
		Topic:      result.Topic,
		Difficulty: result.Difficulty,
		Category:   result.Category,
		Success:    result.Success,
		Error:      result.ErrorMessage,
		LatencyMs:  result.LatencyMs,
		Question:   result.Question.Data(),
		RuleScore:  result.RuleScore.Data(),
		AIScore:    result.AIScore.Data(),
		Quality:    result.Quality(),
		CreatedAt:  result.CreatedAt,
	}
}

// NewEvaluationTestResultResponseSlice converts result models into DTOs.
func NewEvaluationTestResultResponseSlice(results []models.EvaluationTestResult) []EvaluationTestResultResponse {
	out := make([]EvaluationTestResultResponse, 0, len(results))
	for _, result := range results {
		out = append(out, NewEvaluationTestResultResponse(result))
	}
	return out
}

// EvaluationLogResponse is a single live log entry.
type EvaluationLogResponse struct {
	ID        uint                   `json:"id"`
	JobID     string                 `json:"job_id"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvaluationLogResponse converts a live log model into its API representation.
func NewEvaluationLogResponse(entry models.EvaluationLiveLog) EvaluationLogResponse {
	return EvaluationLogResponse{
		ID:        entry.ID,
		JobID:     entry.JobID,
		Event:     entry.Event,
		Message:   entry.Message,
		Data:      entry.Data,
		Timestamp: entry.CreatedAt,
	}
}

// NewEvaluationLogResponseSlice converts live log models into DTOs.
func NewEvaluationLogResponseSlice(entries []models.EvaluationLiveLog) []EvaluationLogResponse {
	out := make([]EvaluationLogResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, NewEvaluationLogResponse(entry))
	}
	return out
}

// EvaluationSummaryResponse is the analytics summary of a completed job.
type EvaluationSummaryResponse struct {
	JobID           string                              `json:"job_id"`
	TotalTests      int                                 `json:"total_tests"`
	Pipelines       map[string]models.PipelineAnalytics `json:"pipelines"`
	ReadinessCounts map[string]int                      `json:"readiness_counts"`
	Heatmap         []models.HeatmapCell                `json:"heatmap"`
	ReportURL       string                              `json:"report_url,omitempty"`
	CreatedAt       time.Time                           `json:"created_at"`
}

// NewEvaluationSummaryResponse converts a summary model into its API representation.
func NewEvaluationSummaryResponse(summary models.EvaluationSummary) EvaluationSummaryResponse {
	return EvaluationSummaryResponse{
		JobID:           summary.JobID,
		TotalTests:      summary.TotalTests,
		Pipelines:       summary.Pipelines.Data(),
		ReadinessCounts: summary.ReadinessCounts.Data(),
		Heatmap:         []models.HeatmapCell(summary.Heatmap),
		ReportURL:       summary.ReportURL,
		CreatedAt:       summary.CreatedAt,
	}
}

// ReviewItemResponse is a question waiting for human review.
type ReviewItemResponse struct {
	JobID          string            `json:"job_id"`
	TestIndex      int               `json:"test_index"`
	Pipeline       string            `json:"pipeline"`
	Topic          string            `json:"topic"`
	Difficulty     string            `json:"difficulty"`
	Stem           string            `json:"stem"`
	Overall        float64           `json:"overall"`
	BoardReadiness ai.BoardReadiness `json:"board_readiness"`
	Priority       float64           `json:"priority"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
}

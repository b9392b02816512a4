package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// EvaluationJobStatus enumerates the lifecycle states of an evaluation job.
type EvaluationJobStatus string

const (
	// EvaluationJobPending marks a job that has not dispatched its first batch.
	EvaluationJobPending EvaluationJobStatus = "pending"
	// EvaluationJobRunning marks a job with at least one batch dispatched.
	EvaluationJobRunning EvaluationJobStatus = "running"
	// EvaluationJobCompleted marks a job finalized with full results.
	EvaluationJobCompleted EvaluationJobStatus = "completed"
	// EvaluationJobFailed marks a job stopped by a fatal error.
	EvaluationJobFailed EvaluationJobStatus = "failed"
	// EvaluationJobCancelled marks a job stopped on request.
	EvaluationJobCancelled EvaluationJobStatus = "cancelled"
)

// ActiveEvaluationStatuses lists the statuses in which a job may still change.
var ActiveEvaluationStatuses = []EvaluationJobStatus{EvaluationJobPending, EvaluationJobRunning}

// IsTerminal reports whether the status is final.
func (s EvaluationJobStatus) IsTerminal() bool {
	switch s {
	case EvaluationJobCompleted, EvaluationJobFailed, EvaluationJobCancelled:
		return true
	default:
		return false
	}
}

// EvaluationConfig is the immutable input of an evaluation job.
type EvaluationConfig struct {
	BasicCount         int      `json:"basic_count"`
	AdvancedCount      int      `json:"advanced_count"`
	VeryDifficultCount int      `json:"very_difficult_count"`
	Pipelines          []string `json:"pipelines"`
	Topics             []string `json:"topics"`
}

// TestCase is one pipeline, topic and difficulty combination to generate and score.
type TestCase struct {
	Pipeline    string `json:"pipeline"`
	Topic       string `json:"topic"`
	Difficulty  string `json:"difficulty"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
}

// EvaluationMetrics aggregates a group of test results.
type EvaluationMetrics struct {
	Total            int     `json:"total"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	AverageQuality   float64 `json:"average_quality"`
}

// EvaluationResults holds the aggregated outcome written by the finalizer.
type EvaluationResults struct {
	Overall    *EvaluationMetrics           `json:"overall,omitempty"`
	ByPipeline map[string]EvaluationMetrics `json:"by_pipeline,omitempty"`
	ByCategory map[string]EvaluationMetrics `json:"by_category,omitempty"`
}

// EvaluationJob is the durable record of one evaluation run.
type EvaluationJob struct {
	ID                 string                                `gorm:"primaryKey;size:36" json:"id"`
	UserID             string                                `gorm:"size:64;index;not null" json:"user_id"`
	Status             EvaluationJobStatus                   `gorm:"size:16;index;not null" json:"status"`
	Config             datatypes.JSONType[EvaluationConfig]  `json:"config"`
	TestCases          datatypes.JSONSlice[TestCase]         `json:"test_cases"`
	TotalTests         int                                   `gorm:"not null" json:"total_tests"`
	CompletedTests     int                                   `gorm:"not null;default:0" json:"completed_tests"`
	CurrentPipeline    string                                `gorm:"size:128" json:"current_pipeline,omitempty"`
	CurrentTopic       string                                `gorm:"size:255" json:"current_topic,omitempty"`
	CurrentDifficulty  string                                `gorm:"size:32" json:"current_difficulty,omitempty"`
	CancelRequested    bool                                  `gorm:"not null;default:false" json:"cancel_requested"`
	CancellationReason string                                `gorm:"type:text" json:"cancellation_reason,omitempty"`
	FailureReason      string                                `gorm:"type:text" json:"failure_reason,omitempty"`
	Results            datatypes.JSONType[EvaluationResults] `json:"results"`
	Errors             []EvaluationErrorEntry                `gorm:"foreignKey:JobID;references:ID" json:"errors,omitempty"`
	CreatedAt          time.Time                             `json:"created_at"`
	UpdatedAt          time.Time                             `json:"updated_at"`
	CompletedAt        *time.Time                            `json:"completed_at,omitempty"`
}

// EvaluationErrorEntry is a structured failure appended to a job.
type EvaluationErrorEntry struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	JobID      string            `gorm:"size:36;index;not null" json:"job_id"`
	TestIndex  *int              `json:"test_index,omitempty"`
	Pipeline   string            `gorm:"size:128" json:"pipeline,omitempty"`
	Topic      string            `gorm:"size:255" json:"topic,omitempty"`
	Difficulty string            `gorm:"size:32" json:"difficulty,omitempty"`
	Message    string            `gorm:"type:text;not null" json:"message"`
	Code       string            `gorm:"size:64" json:"code,omitempty"`
	Stack      string            `gorm:"type:text" json:"stack,omitempty"`
	Fatal      bool              `gorm:"not null;default:false" json:"fatal"`
	Context    datatypes.JSONMap `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"timestamp"`
}

// EvaluationTestResult is the write-once outcome of one test case.
type EvaluationTestResult struct {
	ID           uint                                       `gorm:"primaryKey" json:"id"`
	JobID        string                                     `gorm:"size:36;not null;uniqueIndex:idx_evaluation_result_job_index" json:"job_id"`
	TestIndex    int                                        `gorm:"not null;uniqueIndex:idx_evaluation_result_job_index" json:"test_index"`
	DocKey       string                                     `gorm:"size:32;not null" json:"key"`
	Pipeline     string                                     `gorm:"size:128;index" json:"pipeline"`
	Topic        string                                     `gorm:"size:255" json:"topic"`
	Difficulty   string                                     `gorm:"size:32" json:"difficulty"`
	Category     string                                     `gorm:"size:64" json:"category"`
	Success      bool                                       `gorm:"not null" json:"success"`
	ErrorMessage string                                     `gorm:"type:text" json:"error,omitempty"`
	LatencyMs    int64                                      `gorm:"not null" json:"latency_ms"`
	Draft        datatypes.JSONType[*ai.QuestionDraft]      `json:"draft"`
	Question     datatypes.JSONType[*ai.NormalizedQuestion] `json:"question"`
	RuleScore    datatypes.JSONType[*ai.RuleScore]          `json:"rule_score"`
	AIScore      datatypes.JSONType[*ai.QualityScore]       `json:"ai_score"`
	CreatedAt    time.Time                                  `json:"created_at"`
}

// TestResultKey returns the document key of the result for a test index.
func TestResultKey(index int) string {
	return fmt.Sprintf("test_%d", index)
}

// Quality returns the AI overall score when present, else the rule-based score.
func (r EvaluationTestResult) Quality() float64 {
	if score := r.AIScore.Data(); score != nil {
		return score.Overall
	}
	if rule := r.RuleScore.Data(); rule != nil {
		return rule.Overall
	}
	return 0
}

// EvaluationLiveLog is an append-only progress event of a job.
type EvaluationLiveLog struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	JobID     string            `gorm:"size:36;index;not null" json:"job_id"`
	Event     string            `gorm:"size:64;not null" json:"event"`
	Message   string            `gorm:"type:text" json:"message"`
	Data      datatypes.JSONMap `json:"data,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"timestamp"`
}

// PipelineAnalytics describes score and latency distribution for one pipeline.
type PipelineAnalytics struct {
	Count            int     `json:"count"`
	Successes        int     `json:"successes"`
	AIScoreAverage   float64 `json:"ai_score_average"`
	AIScoreMedian    float64 `json:"ai_score_median"`
	AIScoreP90       float64 `json:"ai_score_p90"`
	LatencyAverageMs float64 `json:"latency_average_ms"`
	LatencyMedianMs  float64 `json:"latency_median_ms"`
	LatencyP90Ms     float64 `json:"latency_p90_ms"`
}

// HeatmapCell aggregates one topic and difficulty combination.
type HeatmapCell struct {
	Topic            string  `json:"topic"`
	Difficulty       string  `json:"difficulty"`
	Total            int     `json:"total"`
	SuccessRate      float64 `json:"success_rate"`
	AverageScore     float64 `json:"average_score"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// EvaluationSummary is the analytics record written once a job completes.
type EvaluationSummary struct {
	JobID           string                                           `gorm:"primaryKey;size:36" json:"job_id"`
	TotalTests      int                                              `json:"total_tests"`
	Pipelines       datatypes.JSONType[map[string]PipelineAnalytics] `json:"pipelines"`
	ReadinessCounts datatypes.JSONType[map[string]int]               `json:"readiness_counts"`
	Heatmap         datatypes.JSONSlice[HeatmapCell]                 `json:"heatmap"`
	ReportURL       string                                           `gorm:"size:512" json:"report_url,omitempty"`
	CreatedAt       time.Time                                        `json:"created_at"`
}

// JobState is the status-specific view of an evaluation job. Each variant carries only the
// fields that are meaningful in that status.
type JobState interface {
	Status() EvaluationJobStatus
	jobState()
}

// PendingJob has not started.
type PendingJob struct {
	ID              string
	TotalTests      int
	CancelRequested bool
}

// RunningJob is being processed.
type RunningJob struct {
	ID                 string
	TotalTests         int
	CompletedTests     int
	CancelRequested    bool
	CancellationReason string
}

// CompletedJob carries the final results.
type CompletedJob struct {
	ID          string
	Results     EvaluationResults
	CompletedAt time.Time
}

// FailedJob carries the fatal reason.
type FailedJob struct {
	ID          string
	Reason      string
	CompletedAt time.Time
}

// CancelledJob carries the cancellation reason.
type CancelledJob struct {
	ID          string
	Reason      string
	CompletedAt time.Time
}

func (PendingJob) Status() EvaluationJobStatus   { return EvaluationJobPending }
func (RunningJob) Status() EvaluationJobStatus   { return EvaluationJobRunning }
func (CompletedJob) Status() EvaluationJobStatus { return EvaluationJobCompleted }
func (FailedJob) Status() EvaluationJobStatus    { return EvaluationJobFailed }
func (CancelledJob) Status() EvaluationJobStatus { return EvaluationJobCancelled }

func (PendingJob) jobState()   {}
func (RunningJob) jobState()   {}
func (CompletedJob) jobState() {}
func (FailedJob) jobState()    {}
func (CancelledJob) jobState() {}

// State projects the record onto its status-specific variant.
func (j EvaluationJob) State() JobState {
	var completedAt time.Time
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}

	switch j.Status {
	case EvaluationJobRunning:
		return RunningJob{
			ID:                 j.ID,
			TotalTests:         j.TotalTests,
			CompletedTests:     j.CompletedTests,
			CancelRequested:    j.CancelRequested,
			CancellationReason: j.CancellationReason,
		}
	case EvaluationJobCompleted:
		return CompletedJob{ID: j.ID, Results: j.Results.Data(), CompletedAt: completedAt}
	case EvaluationJobFailed:
		return FailedJob{ID: j.ID, Reason: j.FailureReason, CompletedAt: completedAt}
	case EvaluationJobCancelled:
		return CancelledJob{ID: j.ID, Reason: j.CancellationReason, CompletedAt: completedAt}
	default:
		return PendingJob{ID: j.ID, TotalTests: j.TotalTests, CancelRequested: j.CancelRequested}
	}
}

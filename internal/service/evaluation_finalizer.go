package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-eval/internal/dto"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

// ReportUploader stores a rendered job report and returns where it can be downloaded.
type ReportUploader interface {
	UploadReport(ctx context.Context, jobID string, payload []byte) (string, error)
}

// Finalizer aggregates persisted test results into the terminal job results.
type Finalizer struct {
	jobs      repository.EvaluationJobRepository
	results   repository.EvaluationResultRepository
	summaries repository.EvaluationSummaryRepository
	reports   ReportUploader
	live      LiveLogger
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewFinalizer constructs a finalizer. reports may be nil.
func NewFinalizer(jobs repository.EvaluationJobRepository, results repository.EvaluationResultRepository, summaries repository.EvaluationSummaryRepository, reports ReportUploader, live LiveLogger, logger zerolog.Logger) *Finalizer {
	return &Finalizer{
		jobs:      jobs,
		results:   results,
		summaries: summaries,
		reports:   reports,
		live:      live,
		logger:    logger.With().Str("component", "evaluation_finalizer").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-exam-eval/internal/service/evaluation_finalizer"),
		now:       time.Now,
	}
}

// Finalize completes the job from the results in the store. A read failure fails the job.
func (f *Finalizer) Finalize(ctx context.Context, jobID string) (models.EvaluationJobStatus, error) {
	ctx, span := f.tracer.Start(ctx, "evaluation.finalize", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	logger := f.logger.With().Str("job_id", jobID).Logger()

	results, err := f.results.ListByJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list_results_failed")
		cause := fmt.Errorf("finalize: read test results: %w", err)
		failJob(ctx, f.jobs, f.live, logger, jobID, cause, f.now())
		return models.EvaluationJobFailed, cause
	}

	aggregate := BuildEvaluationResults(results)
	applied, err := f.jobs.Finish(ctx, jobID, repository.EvaluationJobFinish{
		Status:      models.EvaluationJobCompleted,
		Results:     &aggregate,
		CompletedAt: f.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		cause := fmt.Errorf("finalize: write results: %w", err)
		failJob(ctx, f.jobs, f.live, logger, jobID, cause, f.now())
		return models.EvaluationJobFailed, cause
	}
	if !applied {
		logger.Info().Msg("job already terminal, skipping finalization")
		return "", nil
	}
	observability.EvaluationJobsFinished().WithLabelValues(string(models.EvaluationJobCompleted)).Inc()

	summary := BuildEvaluationSummary(jobID, results)
	summary.CreatedAt = f.now().UTC()
	if err := f.summaries.Save(ctx, &summary); err != nil {
		logger.Error().Err(err).Msg("failed to save evaluation summary")
	} else {
		f.publishReport(ctx, jobID, aggregate, summary, logger)
	}

	overall := aggregate.Overall
	f.live.Record(ctx, jobID, LiveEventJobCompleted, fmt.Sprintf("Evaluation completed: %d of %d succeeded", overall.Successes, overall.Total), map[string]interface{}{
		"success_rate":       overall.SuccessRate,
		"average_latency_ms": overall.AverageLatencyMs,
		"average_quality":    overall.AverageQuality,
	})
	logger.Info().Int("total", overall.Total).Float64("success_rate", overall.SuccessRate).Msg("evaluation job completed")
	return models.EvaluationJobCompleted, nil
}

func (f *Finalizer) publishReport(ctx context.Context, jobID string, aggregate models.EvaluationResults, summary models.EvaluationSummary, logger zerolog.Logger) {
	if f.reports == nil {
		return
	}

	payload, err := json.Marshal(struct {
		JobID   string                        `json:"job_id"`
		Results models.EvaluationResults      `json:"results"`
		Summary dto.EvaluationSummaryResponse `json:"summary"`
	}{
		JobID:   jobID,
		Results: aggregate,
		Summary: dto.NewEvaluationSummaryResponse(summary),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to encode evaluation report")
		return
	}

	url, err := f.reports.UploadReport(ctx, jobID, payload)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to upload evaluation report")
		return
	}
	if err := f.summaries.UpdateReportURL(ctx, jobID, url); err != nil {
		logger.Warn().Err(err).Msg("failed to store report url")
	}
}

// BuildEvaluationResults computes overall, per pipeline and per category metrics. Latency and
// quality are averaged over successful results only.
func BuildEvaluationResults(results []models.EvaluationTestResult) models.EvaluationResults {
	overall := newMetricsAccumulator()
	byPipeline := map[string]*metricsAccumulator{}
	byCategory := map[string]*metricsAccumulator{}

	for _, result := range results {
		overall.add(result)

		pipeline, ok := byPipeline[result.Pipeline]
		if !ok {
			pipeline = newMetricsAccumulator()
			byPipeline[result.Pipeline] = pipeline
		}
		pipeline.add(result)

		category := result.Category
		if category == "" {
			category = DefaultCategory
		}
		group, ok := byCategory[category]
		if !ok {
			group = newMetricsAccumulator()
			byCategory[category] = group
		}
		group.add(result)
	}

	metrics := overall.metrics()
	aggregate := models.EvaluationResults{
		Overall:    &metrics,
		ByPipeline: make(map[string]models.EvaluationMetrics, len(byPipeline)),
		ByCategory: make(map[string]models.EvaluationMetrics, len(byCategory)),
	}
	for name, acc := range byPipeline {
		aggregate.ByPipeline[name] = acc.metrics()
	}
	for name, acc := range byCategory {
		aggregate.ByCategory[name] = acc.metrics()
	}
	return aggregate
}

type metricsAccumulator struct {
	total     int
	successes int
	latency   float64
	quality   float64
}

func newMetricsAccumulator() *metricsAccumulator {
	return &metricsAccumulator{}
}

func (a *metricsAccumulator) add(result models.EvaluationTestResult) {
	a.total++
	if !result.Success {
		return
	}
	a.successes++
	a.latency += float64(result.LatencyMs)
	a.quality += result.Quality()
}

func (a *metricsAccumulator) metrics() models.EvaluationMetrics {
	metrics := models.EvaluationMetrics{
		Total:     a.total,
		Successes: a.successes,
		Failures:  a.total - a.successes,
	}
	if a.total > 0 {
		metrics.SuccessRate = roundTo(float64(a.successes)/float64(a.total)*100, 2)
	}
	if a.successes > 0 {
		metrics.AverageLatencyMs = roundTo(a.latency/float64(a.successes), 2)
		metrics.AverageQuality = roundTo(a.quality/float64(a.successes), 2)
	}
	return metrics
}

// BuildEvaluationSummary computes the analytics record of a job: score and latency distribution
// per pipeline, board readiness counts and topic by difficulty cells.
func BuildEvaluationSummary(jobID string, results []models.EvaluationTestResult) models.EvaluationSummary {
	type pipelineSamples struct {
		count     int
		successes int
		scores    []float64
		latencies []float64
	}
	type cellSamples struct {
		total     int
		successes int
		score     float64
		latency   float64
	}

	pipelines := map[string]*pipelineSamples{}
	readiness := make(map[string]int, len(ai.ReadinessGrades))
	for _, grade := range ai.ReadinessGrades {
		readiness[string(grade)] = 0
	}
	cells := map[[2]string]*cellSamples{}

	for _, result := range results {
		samples, ok := pipelines[result.Pipeline]
		if !ok {
			samples = &pipelineSamples{}
			pipelines[result.Pipeline] = samples
		}
		samples.count++

		key := [2]string{result.Topic, result.Difficulty}
		cell, ok := cells[key]
		if !ok {
			cell = &cellSamples{}
			cells[key] = cell
		}
		cell.total++

		if !result.Success {
			continue
		}
		samples.successes++
		samples.latencies = append(samples.latencies, float64(result.LatencyMs))
		if score := result.AIScore.Data(); score != nil {
			samples.scores = append(samples.scores, score.Overall)
			readiness[string(score.BoardReadiness)]++
		}

		cell.successes++
		cell.score += result.Quality()
		cell.latency += float64(result.LatencyMs)
	}

	analytics := make(map[string]models.PipelineAnalytics, len(pipelines))
	for name, samples := range pipelines {
		sort.Float64s(samples.scores)
		sort.Float64s(samples.latencies)
		analytics[name] = models.PipelineAnalytics{
			Count:            samples.count,
			Successes:        samples.successes,
			AIScoreAverage:   roundTo(mean(samples.scores), 2),
			AIScoreMedian:    roundTo(Percentile(samples.scores, 50), 2),
			AIScoreP90:       roundTo(Percentile(samples.scores, 90), 2),
			LatencyAverageMs: roundTo(mean(samples.latencies), 2),
			LatencyMedianMs:  roundTo(Percentile(samples.latencies, 50), 2),
			LatencyP90Ms:     roundTo(Percentile(samples.latencies, 90), 2),
		}
	}

	heatmap := make([]models.HeatmapCell, 0, len(cells))
	for key, cell := range cells {
		entry := models.HeatmapCell{Topic: key[0], Difficulty: key[1], Total: cell.total}
		if cell.total > 0 {
			entry.SuccessRate = roundTo(float64(cell.successes)/float64(cell.total)*100, 2)
		}
		if cell.successes > 0 {
			entry.AverageScore = roundTo(cell.score/float64(cell.successes), 2)
			entry.AverageLatencyMs = roundTo(cell.latency/float64(cell.successes), 2)
		}
		heatmap = append(heatmap, entry)
	}
	sort.Slice(heatmap, func(i, j int) bool {
		if heatmap[i].Topic != heatmap[j].Topic {
			return heatmap[i].Topic < heatmap[j].Topic
		}
		return difficultyRank(heatmap[i].Difficulty) < difficultyRank(heatmap[j].Difficulty)
	})

	return models.EvaluationSummary{
		JobID:           jobID,
		TotalTests:      len(results),
		Pipelines:       datatypes.NewJSONType(analytics),
		ReadinessCounts: datatypes.NewJSONType(readiness),
		Heatmap:         datatypes.NewJSONSlice(heatmap),
	}
}

// Percentile returns the p-th percentile (0-100) of ascending values using linear interpolation
// between the closest ranks. Empty input yields 0.
func Percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	fraction := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*fraction
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, value := range values {
		total += value
	}
	return total / float64(len(values))
}

func difficultyRank(difficulty string) int {
	switch difficulty {
	case ai.DifficultyBasic:
		return 0
	case ai.DifficultyAdvanced:
		return 1
	case ai.DifficultyVeryDifficult:
		return 2
	default:
		return 3
	}
}

func roundTo(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

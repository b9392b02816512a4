package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

type reportUploaderStub struct {
	payload []byte
	err     error
}

func (r *reportUploaderStub) UploadReport(ctx context.Context, jobID string, payload []byte) (string, error) {
	r.payload = payload
	if r.err != nil {
		return "", r.err
	}
	return "https://cdn.example.com/reports/" + jobID + ".json", nil
}

func scoredResult(index int, pipeline, topic, difficulty string, success bool, latency int64, score *ai.QualityScore) models.EvaluationTestResult {
	category, _ := LookupTopic(topic)
	return models.EvaluationTestResult{
		TestIndex:  index,
		Pipeline:   pipeline,
		Topic:      topic,
		Difficulty: difficulty,
		Category:   category,
		Success:    success,
		LatencyMs:  latency,
		RuleScore:  datatypes.NewJSONType(&ai.RuleScore{Overall: 60}),
		AIScore:    datatypes.NewJSONType(score),
	}
}

func TestPercentileInterpolates(t *testing.T) {
	require.Equal(t, 0.0, Percentile(nil, 50))
	require.Equal(t, 7.0, Percentile([]float64{7}, 90))
	require.Equal(t, 2.5, Percentile([]float64{1, 2, 3, 4}, 50))
	require.InDelta(t, 3.7, Percentile([]float64{1, 2, 3, 4}, 90), 1e-9)
	require.Equal(t, 1.0, Percentile([]float64{1, 2, 3, 4}, 0))
	require.Equal(t, 4.0, Percentile([]float64{1, 2, 3, 4}, 100))
	require.Equal(t, 30.0, Percentile([]float64{10, 20, 30, 40, 50}, 50))
}

func TestBuildEvaluationResultsAveragesSuccessesOnly(t *testing.T) {
	results := []models.EvaluationTestResult{
		scoredResult(0, "alpha", "Psoriasis", ai.DifficultyBasic, true, 100, &ai.QualityScore{Overall: 80, BoardReadiness: ai.ReadinessReady}),
		scoredResult(1, "alpha", "Melanoma", ai.DifficultyBasic, true, 300, nil),
		scoredResult(2, "beta", "Psoriasis", ai.DifficultyBasic, false, 5000, nil),
		scoredResult(3, "beta", "Unlisted Topic", ai.DifficultyBasic, true, 200, &ai.QualityScore{Overall: 90, BoardReadiness: ai.ReadinessMinorRevision}),
	}

	aggregate := BuildEvaluationResults(results)
	require.Equal(t, 4, aggregate.Overall.Total)
	require.Equal(t, 3, aggregate.Overall.Successes)
	require.Equal(t, 1, aggregate.Overall.Failures)
	require.Equal(t, 75.0, aggregate.Overall.SuccessRate)
	require.Equal(t, 200.0, aggregate.Overall.AverageLatencyMs)
	require.Equal(t, 76.67, aggregate.Overall.AverageQuality)

	require.Equal(t, 100.0, aggregate.ByPipeline["alpha"].SuccessRate)
	require.Equal(t, 70.0, aggregate.ByPipeline["alpha"].AverageQuality)
	require.Equal(t, 50.0, aggregate.ByPipeline["beta"].SuccessRate)
	require.Equal(t, 200.0, aggregate.ByPipeline["beta"].AverageLatencyMs)

	require.Contains(t, aggregate.ByCategory, "inflammatory")
	require.Contains(t, aggregate.ByCategory, "neoplastic")
	require.Contains(t, aggregate.ByCategory, DefaultCategory)
}

func TestBuildEvaluationResultsEmpty(t *testing.T) {
	aggregate := BuildEvaluationResults(nil)
	require.NotNil(t, aggregate.Overall)
	require.Zero(t, aggregate.Overall.Total)
	require.Zero(t, aggregate.Overall.SuccessRate)
	require.Empty(t, aggregate.ByPipeline)
}

func TestBuildEvaluationSummary(t *testing.T) {
	results := []models.EvaluationTestResult{
		scoredResult(0, "alpha", "Psoriasis", ai.DifficultyVeryDifficult, true, 100, &ai.QualityScore{Overall: 60, BoardReadiness: ai.ReadinessMajorRevision}),
		scoredResult(1, "alpha", "Psoriasis", ai.DifficultyBasic, true, 200, &ai.QualityScore{Overall: 80, BoardReadiness: ai.ReadinessReady}),
		scoredResult(2, "alpha", "Psoriasis", ai.DifficultyBasic, true, 400, &ai.QualityScore{Overall: 100, BoardReadiness: ai.ReadinessReady}),
		scoredResult(3, "alpha", "Melanoma", ai.DifficultyAdvanced, false, 900, nil),
	}

	summary := BuildEvaluationSummary("job-sum", results)
	require.Equal(t, "job-sum", summary.JobID)
	require.Equal(t, 4, summary.TotalTests)

	alpha := summary.Pipelines.Data()["alpha"]
	require.Equal(t, 4, alpha.Count)
	require.Equal(t, 3, alpha.Successes)
	require.Equal(t, 80.0, alpha.AIScoreAverage)
	require.Equal(t, 80.0, alpha.AIScoreMedian)
	require.Equal(t, 96.0, alpha.AIScoreP90)
	require.Equal(t, 200.0, alpha.LatencyMedianMs)
	require.Equal(t, 360.0, alpha.LatencyP90Ms)

	readiness := summary.ReadinessCounts.Data()
	require.Equal(t, 2, readiness[string(ai.ReadinessReady)])
	require.Equal(t, 1, readiness[string(ai.ReadinessMajorRevision)])
	require.Equal(t, 0, readiness[string(ai.ReadinessReject)])

	heatmap := []models.HeatmapCell(summary.Heatmap)
	require.Len(t, heatmap, 3)
	require.Equal(t, "Melanoma", heatmap[0].Topic)
	require.Equal(t, 0.0, heatmap[0].SuccessRate)
	require.Equal(t, ai.DifficultyBasic, heatmap[1].Difficulty)
	require.Equal(t, 2, heatmap[1].Total)
	require.Equal(t, 90.0, heatmap[1].AverageScore)
	require.Equal(t, ai.DifficultyVeryDifficult, heatmap[2].Difficulty)
}

func TestFinalizeUploadsReport(t *testing.T) {
	h := newHarness(stubScorer{score: readyScore})
	uploader := &reportUploaderStub{}
	h.finalizer.reports = uploader
	h.store.seedJob("job-rep", basicCases("alpha", "Psoriasis"))

	_, err := h.controller.ProcessBatch(context.Background(), ProcessBatchRequest{JobID: "job-rep", ProcessAll: true})
	require.NoError(t, err)
	require.NotEmpty(t, uploader.payload)
	require.Contains(t, string(uploader.payload), `"job_id":"job-rep"`)

	summary, err := summaryStore{h.store}.GetByJob(context.Background(), "job-rep")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/reports/job-rep.json", summary.ReportURL)
}

func TestFinalizeReportFailureDoesNotFailJob(t *testing.T) {
	h := newHarness(nil)
	h.finalizer.reports = &reportUploaderStub{err: errors.New("upload rejected")}
	h.store.seedJob("job-rep-fail", basicCases("alpha", "Psoriasis"))

	result, err := h.controller.ProcessBatch(context.Background(), ProcessBatchRequest{JobID: "job-rep-fail", ProcessAll: true})
	require.NoError(t, err)
	require.Equal(t, models.EvaluationJobCompleted, result.Status)

	summary, err := summaryStore{h.store}.GetByJob(context.Background(), "job-rep-fail")
	require.NoError(t, err)
	require.Empty(t, summary.ReportURL)
}

func TestFinalizeReadsPersistedResultsOnly(t *testing.T) {
	h := newHarness(nil)
	h.store.seedJob("job-read", basicCases("alpha", "Psoriasis", "Melanoma"))
	_, err := resultStore{h.store}.Save(context.Background(), &models.EvaluationTestResult{JobID: "job-read", TestIndex: 0, Success: true, Pipeline: "alpha"})
	require.NoError(t, err)

	status, err := h.finalizer.Finalize(context.Background(), "job-read")
	require.NoError(t, err)
	require.Equal(t, models.EvaluationJobCompleted, status)
	require.Equal(t, 1, h.store.job("job-read").Results.Data().Overall.Total)

	status, err = h.finalizer.Finalize(context.Background(), "job-read")
	require.NoError(t, err)
	require.Empty(t, status)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// memoryStore implements every evaluation repository over maps with the same conditional
// semantics as the SQL store.
type memoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.EvaluationJob
	errors    map[string][]models.EvaluationErrorEntry
	results   map[string]map[int]models.EvaluationTestResult
	summaries map[string]models.EvaluationSummary

	increments int
	saveErr    error
	listErr    error
	indicesErr error
	getErr     error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:      map[string]*models.EvaluationJob{},
		errors:    map[string][]models.EvaluationErrorEntry{},
		results:   map[string]map[int]models.EvaluationTestResult{},
		summaries: map[string]models.EvaluationSummary{},
	}
}

func (m *memoryStore) Create(ctx context.Context, job *models.EvaluationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memoryStore) GetByID(ctx context.Context, id string) (models.EvaluationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.EvaluationJob{}, m.getErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.EvaluationJob{}, gorm.ErrRecordNotFound
	}
	copied := *job
	copied.Errors = append([]models.EvaluationErrorEntry(nil), m.errors[id]...)
	return copied, nil
}

func (m *memoryStore) active(id string) (*models.EvaluationJob, bool) {
	job, ok := m.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return nil, false
	}
	return job, true
}

func (m *memoryStore) MarkRunning(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.EvaluationJobPending {
		return false, nil
	}
	job.Status = models.EvaluationJobRunning
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memoryStore) UpdateProgressInfo(ctx context.Context, id string, testCase models.TestCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.active(id); ok {
		job.CurrentPipeline = testCase.Pipeline
		job.CurrentTopic = testCase.Topic
		job.CurrentDifficulty = testCase.Difficulty
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memoryStore) IncrementCompleted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.increments++
	job, ok := m.active(id)
	if !ok || job.CompletedTests >= job.TotalTests {
		return false, nil
	}
	job.CompletedTests++
	job.UpdatedAt = time.Now()
	return true, nil
}

func (m *memoryStore) AppendError(ctx context.Context, entry *models.EvaluationErrorEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active(entry.JobID); !ok {
		return false, nil
	}
	m.appendErrorLocked(entry)
	return true, nil
}

func (m *memoryStore) appendErrorLocked(entry *models.EvaluationErrorEntry) {
	entry.ID = uint(len(m.errors[entry.JobID]) + 1)
	entry.CreatedAt = time.Now()
	m.errors[entry.JobID] = append(m.errors[entry.JobID], *entry)
}

func (m *memoryStore) RequestCancel(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.active(id)
	if !ok {
		return false, nil
	}
	job.CancelRequested = true
	job.CancellationReason = reason
	return true, nil
}

func (m *memoryStore) Finish(ctx context.Context, id string, finish repository.EvaluationJobFinish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.active(id)
	if !ok {
		return false, nil
	}
	job.Status = finish.Status
	completedAt := finish.CompletedAt
	job.CompletedAt = &completedAt
	switch finish.Status {
	case models.EvaluationJobCompleted:
		if finish.Results != nil {
			job.Results = datatypes.NewJSONType(*finish.Results)
		}
	case models.EvaluationJobCancelled:
		job.CancellationReason = finish.Reason
	case models.EvaluationJobFailed:
		job.FailureReason = finish.Reason
	}
	if finish.Error != nil {
		finish.Error.JobID = id
		m.appendErrorLocked(finish.Error)
	}
	return true, nil
}

func (m *memoryStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.EvaluationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EvaluationJob
	for _, job := range m.jobs {
		if job.Status == models.EvaluationJobRunning && job.UpdatedAt.Before(before) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) CountByStatus(ctx context.Context, status models.EvaluationJobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, job := range m.jobs {
		if job.Status == status {
			count++
		}
	}
	return count, nil
}

// resultStore adapts memoryStore to EvaluationResultRepository, whose Save collides with the
// summary repository's Save.
type resultStore struct{ *memoryStore }

func (r resultStore) Save(ctx context.Context, result *models.EvaluationTestResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return false, r.saveErr
	}
	if r.results[result.JobID] == nil {
		r.results[result.JobID] = map[int]models.EvaluationTestResult{}
	}
	if _, exists := r.results[result.JobID][result.TestIndex]; exists {
		return false, nil
	}
	result.DocKey = models.TestResultKey(result.TestIndex)
	result.CreatedAt = time.Now()
	r.results[result.JobID][result.TestIndex] = *result
	return true, nil
}

func (r resultStore) ListByJob(ctx context.Context, jobID string) ([]models.EvaluationTestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]models.EvaluationTestResult, 0, len(r.results[jobID]))
	for _, result := range r.results[jobID] {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestIndex < out[j].TestIndex })
	return out, nil
}

func (r resultStore) ListIndices(ctx context.Context, jobID string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indicesErr != nil {
		return nil, r.indicesErr
	}
	out := make([]int, 0, len(r.results[jobID]))
	for index := range r.results[jobID] {
		out = append(out, index)
	}
	sort.Ints(out)
	return out, nil
}

type summaryStore struct{ *memoryStore }

func (s summaryStore) Save(ctx context.Context, summary *models.EvaluationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.JobID] = *summary
	return nil
}

func (s summaryStore) GetByJob(ctx context.Context, jobID string) (models.EvaluationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[jobID]
	if !ok {
		return models.EvaluationSummary{}, gorm.ErrRecordNotFound
	}
	return summary, nil
}

func (s summaryStore) UpdateReportURL(ctx context.Context, jobID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.summaries[jobID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	summary.ReportURL = url
	s.summaries[jobID] = summary
	return nil
}

func (m *memoryStore) seedJob(id string, testCases []models.TestCase) *models.EvaluationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.EvaluationJob{
		ID:         id,
		UserID:     "owner",
		Status:     models.EvaluationJobPending,
		TestCases:  datatypes.NewJSONSlice(testCases),
		TotalTests: len(testCases),
		Results:    datatypes.NewJSONType(models.EvaluationResults{}),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	m.jobs[id] = job
	return job
}

func (m *memoryStore) job(id string) models.EvaluationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memoryStore) errorEntries(id string) []models.EvaluationErrorEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EvaluationErrorEntry(nil), m.errors[id]...)
}

func (m *memoryStore) resultCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results[id])
}

// stubGenerator returns a well formed draft unless the pipeline or topic is listed as failing.
type stubGenerator struct {
	mu            sync.Mutex
	calls         int
	failPipelines map[string]bool
	failTopics    map[string]bool
	delay         time.Duration
	onGenerate    func(req ai.GenerationRequest)
	inFlight      int
	maxInFlight   int
}

func (g *stubGenerator) Generate(ctx context.Context, req ai.GenerationRequest) (ai.QuestionDraft, error) {
	g.mu.Lock()
	g.calls++
	g.inFlight++
	g.maxInFlight = max(g.maxInFlight, g.inFlight)
	hook := g.onGenerate
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight--
		g.mu.Unlock()
	}()

	if hook != nil {
		hook(req)
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.failPipelines[req.Pipeline] || g.failTopics[req.Topic] {
		return ai.QuestionDraft{}, errors.New("generator unavailable")
	}
	return ai.QuestionDraft{
		Stem:          fmt.Sprintf("A 45-year-old presents with lesions typical of %s. Which finding on biopsy is most characteristic?", req.Topic),
		Options:       ai.DraftOptions{"Option one", "Option two", "Option three", "Option four", "Option five"},
		CorrectAnswer: "B",
		Explanation:   "Short explanation.",
		Metadata:      ai.DraftMetadata{Pipeline: req.Pipeline, Topic: req.Topic, Difficulty: req.Difficulty},
	}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type stubScorer struct {
	score ai.QualityScore
	err   error
}

func (s stubScorer) Score(ctx context.Context, draft ai.QuestionDraft) (ai.QualityScore, error) {
	if s.err != nil {
		return ai.QualityScore{}, s.err
	}
	return s.score, nil
}

type recordedLog struct {
	JobID   string
	Event   string
	Message string
	Data    map[string]interface{}
}

type liveRecorder struct {
	mu      sync.Mutex
	entries []recordedLog
	// delay simulates the insert latency of the live log table.
	delay time.Duration
}

func (r *liveRecorder) Record(ctx context.Context, jobID, event, message string, data map[string]interface{}) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedLog{JobID: jobID, Event: event, Message: message, Data: data})
}

func (r *liveRecorder) events(event string) []recordedLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedLog
	for _, entry := range r.entries {
		if entry.Event == event {
			out = append(out, entry)
		}
	}
	return out
}

type reviewRecorder struct {
	mu    sync.Mutex
	items []ReviewItem
}

func (r *reviewRecorder) Enqueue(ctx context.Context, item ReviewItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return nil
}

type continuationRecorder struct {
	mu    sync.Mutex
	items []Continuation
	err   error
}

func (r *continuationRecorder) Enqueue(ctx context.Context, continuation Continuation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.items = append(r.items, continuation)
	return nil
}

type fixedLoad struct {
	value float64
	err   error
}

func (f fixedLoad) Current(ctx context.Context) (float64, error) {
	return f.value, f.err
}

type harness struct {
	store      *memoryStore
	generator  *stubGenerator
	live       *liveRecorder
	review     *reviewRecorder
	queue      *continuationRecorder
	executor   *BatchExecutor
	finalizer  *Finalizer
	controller *JobController
}

func newHarness(scorer ai.Scorer) *harness {
	store := newMemoryStore()
	h := &harness{
		store:     store,
		generator: &stubGenerator{failPipelines: map[string]bool{}, failTopics: map[string]bool{}},
		live:      &liveRecorder{},
		review:    &reviewRecorder{},
		queue:     &continuationRecorder{},
	}
	h.executor = NewBatchExecutor(BatchExecutorConfig{
		Jobs:      store,
		Results:   resultStore{store},
		Generator: h.generator,
		Scorer:    scorer,
		Review:    h.review,
		Live:      h.live,
		Logger:    testLogger(),
	})
	h.finalizer = NewFinalizer(store, resultStore{store}, summaryStore{store}, nil, h.live, testLogger())
	h.controller = NewJobController(JobControllerConfig{
		Jobs:         store,
		Sizer:        NewBatchSizer(nil, nil, MaxSafeBatchSize, testLogger()),
		Executor:     h.executor,
		Finalizer:    h.finalizer,
		Continuation: h.queue,
		Live:         h.live,
		Logger:       testLogger(),
	})
	return h
}

func basicCases(pipeline string, topics ...string) []models.TestCase {
	cases := make([]models.TestCase, 0, len(topics))
	for _, topic := range topics {
		category, subcategory := LookupTopic(topic)
		cases = append(cases, models.TestCase{
			Pipeline:    pipeline,
			Topic:       topic,
			Difficulty:  ai.DifficultyBasic,
			Category:    category,
			Subcategory: subcategory,
		})
	}
	return cases
}

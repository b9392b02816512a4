package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-exam-eval/internal/middleware"
	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestRedisReviewQueueOrdersByPriority(t *testing.T) {
	_, client := newMiniredisClient(t)
	queue := NewRedisReviewQueue(client, "gema")
	ctx := context.Background()

	for i, overall := range []float64{65, 20, 50} {
		require.NoError(t, queue.Enqueue(ctx, ReviewItem{
			JobID:          "job-1",
			TestIndex:      i,
			Overall:        overall,
			BoardReadiness: ai.ReadinessMajorRevision,
			Priority:       ReviewPriority(overall),
		}))
	}

	items, err := queue.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, 1, items[0].TestIndex)
	require.Equal(t, 2, items[1].TestIndex)
	require.Equal(t, 0, items[2].TestIndex)
	require.False(t, items[0].EnqueuedAt.IsZero())

	claimed, err := queue.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 80.0, claimed.Priority)

	remaining, err := queue.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}

func TestRedisReviewQueueClaimEmpty(t *testing.T) {
	_, client := newMiniredisClient(t)
	queue := NewRedisReviewQueue(client, "")

	claimed, err := queue.Claim(context.Background())
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestRedisJobLeaseIsExclusive(t *testing.T) {
	server, client := newMiniredisClient(t)
	lease := NewRedisJobLease(client, time.Minute)
	ctx := context.Background()

	release, err := lease.Acquire(ctx, "job-1")
	require.NoError(t, err)

	_, err = lease.Acquire(ctx, "job-1")
	require.ErrorIs(t, err, ErrEvaluationJobBusy)

	other, err := lease.Acquire(ctx, "job-2")
	require.NoError(t, err)
	other()

	release()
	release, err = lease.Acquire(ctx, "job-1")
	require.NoError(t, err)

	server.FastForward(2 * time.Minute)
	again, err := lease.Acquire(ctx, "job-1")
	require.NoError(t, err)
	// The expired holder must not delete the new holder's key.
	release()
	_, err = lease.Acquire(ctx, "job-1")
	require.ErrorIs(t, err, ErrEvaluationJobBusy)
	again()
}

func TestNoopJobLease(t *testing.T) {
	lease := NewRedisJobLease(nil, time.Minute)
	release, err := lease.Acquire(context.Background(), "job-1")
	require.NoError(t, err)
	release()
}

func TestProcessBatchBusyLease(t *testing.T) {
	_, client := newMiniredisClient(t)
	h := newHarness(nil)
	h.controller.lease = NewRedisJobLease(client, time.Minute)
	h.store.seedJob("job-l", basicCases("alpha", "Psoriasis"))

	release, err := h.controller.lease.Acquire(context.Background(), "job-l")
	require.NoError(t, err)
	defer release()

	_, err = h.controller.ProcessBatch(context.Background(), ProcessBatchRequest{JobID: "job-l"})
	require.ErrorIs(t, err, ErrEvaluationJobBusy)
	require.Zero(t, h.generator.callCount())
}

type processorStub struct {
	mu           sync.Mutex
	requests     []ProcessBatchRequest
	correlations []string
	err          error
}

func (p *processorStub) ProcessBatch(ctx context.Context, req ProcessBatchRequest) (ProcessBatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.correlations = append(p.correlations, middleware.CorrelationIDFrom(ctx))
	if p.err != nil {
		return ProcessBatchResult{}, p.err
	}
	return ProcessBatchResult{Success: true, Finished: true, Status: models.EvaluationJobCompleted}, nil
}

func (p *processorStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func TestHandleContinuation(t *testing.T) {
	processor := &processorStub{}
	payload, err := json.Marshal(Continuation{JobID: "job-1", StartIndex: 6, BatchSize: 2})
	require.NoError(t, err)

	HandleContinuation(context.Background(), processor, payload, testLogger())
	require.Len(t, processor.requests, 1)
	require.Equal(t, ProcessBatchRequest{JobID: "job-1", StartIndex: 6, BatchSize: 2, ProcessAll: true}, processor.requests[0])

	HandleContinuation(context.Background(), processor, []byte("not json"), testLogger())
	HandleContinuation(context.Background(), processor, []byte(`{"start_index":1}`), testLogger())
	require.Len(t, processor.requests, 1)

	processor.err = ErrEvaluationJobBusy
	HandleContinuation(context.Background(), processor, payload, testLogger())
	require.Len(t, processor.requests, 2)
}

func TestContinuationCarriesCorrelationID(t *testing.T) {
	h := newHarness(nil)
	h.controller.budget = time.Nanosecond
	h.store.seedJob("job-c", basicCases("alpha", "Psoriasis", "Melanoma", "Vitiligo", "Rosacea"))

	ctx := middleware.WithCorrelationID(context.Background(), "req-42")
	result, err := h.controller.ProcessBatch(ctx, ProcessBatchRequest{JobID: "job-c", BatchSize: 2, ProcessAll: true})
	require.NoError(t, err)
	require.False(t, result.Finished)
	require.Len(t, h.queue.items, 1)
	require.Equal(t, "req-42", h.queue.items[0].CorrelationID)

	payload, err := json.Marshal(h.queue.items[0])
	require.NoError(t, err)
	processor := &processorStub{}
	HandleContinuation(context.Background(), processor, payload, testLogger())
	require.Equal(t, []string{"req-42"}, processor.correlations)
}

func TestLocalContinuationQueue(t *testing.T) {
	queue := NewLocalContinuationQueue(1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Enqueue(ctx, Continuation{JobID: "job-1", StartIndex: 3}))
	require.ErrorIs(t, queue.Enqueue(ctx, Continuation{JobID: "job-2"}), ErrContinuationQueueFull)

	processor := &processorStub{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, processor)
	}()

	require.Eventually(t, func() bool { return processor.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestLocalContinuationQueueResumesYieldedJob(t *testing.T) {
	h := newHarness(nil)
	queue := NewLocalContinuationQueue(8, testLogger())
	h.controller.continuation = queue
	h.controller.budget = time.Nanosecond
	h.store.seedJob("job-w", basicCases("alpha", "Psoriasis", "Melanoma", "Vitiligo", "Rosacea", "Scabies", "Impetigo", "Melasma"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = queue.Consume(ctx, h.controller) }()

	result, err := h.controller.ProcessBatch(ctx, ProcessBatchRequest{JobID: "job-w", BatchSize: 3, ProcessAll: true})
	require.NoError(t, err)
	require.False(t, result.Finished)

	require.Eventually(t, func() bool {
		return h.store.job("job-w").Status == models.EvaluationJobCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 7, h.store.job("job-w").CompletedTests)
}

func TestYieldedJobResumesUnderRedisLease(t *testing.T) {
	_, client := newMiniredisClient(t)
	h := newHarness(nil)
	h.live.delay = 5 * time.Millisecond
	queue := NewLocalContinuationQueue(8, testLogger())
	h.controller.continuation = queue
	h.controller.lease = NewRedisJobLease(client, time.Minute)
	h.controller.budget = time.Nanosecond
	h.store.seedJob("job-rl", basicCases("alpha", "Psoriasis", "Melanoma", "Vitiligo", "Rosacea", "Scabies", "Impetigo", "Melasma"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = queue.Consume(ctx, h.controller) }()

	result, err := h.controller.ProcessBatch(ctx, ProcessBatchRequest{JobID: "job-rl", BatchSize: 3, ProcessAll: true})
	require.NoError(t, err)
	require.False(t, result.Finished)

	require.Eventually(t, func() bool {
		return h.store.job("job-rl").Status == models.EvaluationJobCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 7, h.store.job("job-rl").CompletedTests)
	require.Len(t, h.live.events(LiveEventContinuation), 2)

	require.Eventually(t, func() bool {
		release, err := h.controller.lease.Acquire(context.Background(), "job-rl")
		if err != nil {
			return false
		}
		release()
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestStaleJobSweeperResumesAtFirstGap(t *testing.T) {
	store := newMemoryStore()
	queue := &continuationRecorder{}
	sweeper := NewStaleJobSweeper(store, resultStore{store}, queue, time.Minute, testLogger())
	ctx := context.Background()

	store.seedJob("stale", basicCases("alpha", "Psoriasis", "Melanoma", "Vitiligo"))
	_, err := store.MarkRunning(ctx, "stale")
	require.NoError(t, err)
	for _, index := range []int{0, 1, 3} {
		_, err := resultStore{store}.Save(ctx, &models.EvaluationTestResult{JobID: "stale", TestIndex: index})
		require.NoError(t, err)
	}

	store.seedJob("fresh", basicCases("alpha", "Psoriasis"))
	_, err = store.MarkRunning(ctx, "fresh")
	require.NoError(t, err)
	store.seedJob("pending", basicCases("alpha", "Psoriasis"))

	store.mu.Lock()
	store.jobs["stale"].UpdatedAt = time.Now().Add(-time.Hour)
	store.jobs["pending"].UpdatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	resumed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)
	require.Len(t, queue.items, 1)
	require.Equal(t, "stale", queue.items[0].JobID)
	require.Equal(t, 2, queue.items[0].StartIndex)
}

func TestStaleJobSweeperSkipsEnqueueFailures(t *testing.T) {
	store := newMemoryStore()
	queue := &continuationRecorder{err: errors.New("broker down")}
	sweeper := NewStaleJobSweeper(store, resultStore{store}, queue, time.Minute, testLogger())

	store.seedJob("stale", basicCases("alpha", "Psoriasis"))
	_, err := store.MarkRunning(context.Background(), "stale")
	require.NoError(t, err)
	store.mu.Lock()
	store.jobs["stale"].UpdatedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	resumed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, resumed)
}

func TestStaleJobSweeperRejectsBadSchedule(t *testing.T) {
	store := newMemoryStore()
	sweeper := NewStaleJobSweeper(store, resultStore{store}, &continuationRecorder{}, 0, testLogger())
	require.Error(t, sweeper.Start("not a schedule"))
	require.NoError(t, sweeper.Start(""))
	sweeper.Stop()
}

func TestFirstMissingIndex(t *testing.T) {
	require.Equal(t, 0, FirstMissingIndex(nil, 3))
	require.Equal(t, 1, FirstMissingIndex([]int{0, 2}, 3))
	require.Equal(t, 3, FirstMissingIndex([]int{2, 1, 0}, 3))
}

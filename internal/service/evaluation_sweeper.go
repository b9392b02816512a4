package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/repository"
)

const (
	defaultSweepSchedule = "@every 1m"
	defaultStaleAfter    = 10 * time.Minute
	sweepBatchLimit      = 50
)

// StaleJobSweeper resumes running jobs whose invocation chain stopped, for example because a
// worker died before enqueueing its continuation.
type StaleJobSweeper struct {
	jobs         repository.EvaluationJobRepository
	results      repository.EvaluationResultRepository
	continuation ContinuationQueue
	staleAfter   time.Duration
	cron         *cron.Cron
	logger       zerolog.Logger
	now          func() time.Time
}

// NewStaleJobSweeper constructs a sweeper.
func NewStaleJobSweeper(jobs repository.EvaluationJobRepository, results repository.EvaluationResultRepository, continuation ContinuationQueue, staleAfter time.Duration, logger zerolog.Logger) *StaleJobSweeper {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &StaleJobSweeper{
		jobs:         jobs,
		results:      results,
		continuation: continuation,
		staleAfter:   staleAfter,
		cron:         cron.New(),
		logger:       logger.With().Str("component", "evaluation_sweeper").Logger(),
		now:          time.Now,
	}
}

// Start schedules the sweep. An empty schedule runs it every minute.
func (s *StaleJobSweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = defaultSweepSchedule
	}

	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("stale job sweep failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", schedule).Dur("stale_after", s.staleAfter).Msg("stale job sweeper started")
	return nil
}

// Stop waits for a running sweep to return.
func (s *StaleJobSweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("stale job sweeper stopped")
}

// Sweep enqueues a continuation for every stale running job at its first unfinished index and
// returns how many were resumed.
func (s *StaleJobSweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.jobs.ListStale(ctx, s.now().Add(-s.staleAfter), sweepBatchLimit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, job := range stale {
		indices, err := s.results.ListIndices(ctx, job.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to list persisted results")
			continue
		}

		next := FirstMissingIndex(indices, job.TotalTests)
		if err := s.continuation.Enqueue(ctx, Continuation{JobID: job.ID, StartIndex: next}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to enqueue continuation for stale job")
			continue
		}
		resumed++
		s.logger.Info().Str("job_id", job.ID).Int("start_index", next).Msg("stale evaluation job resumed")
	}
	return resumed, nil
}

// FirstMissingIndex returns the lowest index in [0, total) without a persisted result, or total
// when every index has one.
func FirstMissingIndex(indices []int, total int) int {
	seen := make(map[int]struct{}, len(indices))
	for _, index := range indices {
		seen[index] = struct{}{}
	}
	for index := 0; index < total; index++ {
		if _, ok := seen[index]; !ok {
			return index
		}
	}
	return total
}

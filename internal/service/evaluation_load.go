package service

import (
	"context"
	"fmt"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/repository"
)

// InFlightGauge reports how many AI calls are running against a nominal capacity.
type InFlightGauge interface {
	InFlight() int
	Capacity() int
}

type evaluationLoadSampler struct {
	jobs     repository.EvaluationJobRepository
	capacity int
	gauge    InFlightGauge
}

// NewEvaluationLoadSampler samples load as the larger of running jobs over capacity and AI calls
// in flight over the throttle capacity.
func NewEvaluationLoadSampler(jobs repository.EvaluationJobRepository, capacity int, gauge InFlightGauge) LoadSampler {
	if capacity <= 0 {
		capacity = 4
	}
	return &evaluationLoadSampler{jobs: jobs, capacity: capacity, gauge: gauge}
}

func (s *evaluationLoadSampler) Current(ctx context.Context) (float64, error) {
	running, err := s.jobs.CountByStatus(ctx, models.EvaluationJobRunning)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}

	load := float64(running) / float64(s.capacity)
	if s.gauge != nil && s.gauge.Capacity() > 0 {
		load = max(load, float64(s.gauge.InFlight())/float64(s.gauge.Capacity()))
	}

	if load < 0 {
		return 0, nil
	}
	if load > 1 {
		return 1, nil
	}
	return load, nil
}

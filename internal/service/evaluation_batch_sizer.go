package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-exam-eval/internal/models"
	"github.com/noah-isme/gema-exam-eval/internal/observability"
	"github.com/noah-isme/gema-exam-eval/pkg/ai"
)

const (
	// MinBatchSize is the smallest batch the sizer returns.
	MinBatchSize = 1
	// MaxSafeBatchSize is the largest batch the sizer returns.
	MaxSafeBatchSize = 3
	// loadOnSampleFailure is assumed when the load sampler errors.
	loadOnSampleFailure = 0.9
)

// TaxonomyComplexity estimates how many test cases may safely run together.
type TaxonomyComplexity interface {
	BatchSizeCeiling(testCases []models.TestCase, maxSafe int) int
}

// LoadSampler reports the current system load in [0,1].
type LoadSampler interface {
	Current(ctx context.Context) (float64, error)
}

// BatchSizer chooses the size of the next batch from the requested size, the complexity of the
// remaining work and the current load.
type BatchSizer struct {
	complexity TaxonomyComplexity
	load       LoadSampler
	maxSafe    int
	logger     zerolog.Logger
}

// NewBatchSizer constructs a sizer. maxSafe is clamped into [MinBatchSize, MaxSafeBatchSize].
func NewBatchSizer(complexity TaxonomyComplexity, load LoadSampler, maxSafe int, logger zerolog.Logger) *BatchSizer {
	return &BatchSizer{
		complexity: complexity,
		load:       load,
		maxSafe:    clampInt(maxSafe, MinBatchSize, MaxSafeBatchSize),
		logger:     logger.With().Str("component", "evaluation_batch_sizer").Logger(),
	}
}

// Size returns the batch size for the next chunk, always within [1, maxSafe].
func (s *BatchSizer) Size(ctx context.Context, requested int, remaining []models.TestCase) int {
	size := clampInt(requested, MinBatchSize, s.maxSafe)
	size = min(size, s.complexityCeiling(remaining))

	load := 0.0
	if s.load != nil {
		sample, err := s.load.Current(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Float64("assumed_load", loadOnSampleFailure).Msg("load sample failed")
			load = loadOnSampleFailure
		} else {
			load = sample
		}
	}

	size = applyLoadCeiling(size, load)
	if size < MinBatchSize {
		size = MinBatchSize
	}

	observability.EvaluationBatchSize().Observe(float64(size))
	return size
}

func (s *BatchSizer) complexityCeiling(remaining []models.TestCase) int {
	if s.complexity != nil && hasTaxonomy(remaining) {
		return clampInt(s.complexity.BatchSizeCeiling(remaining, s.maxSafe), MinBatchSize, s.maxSafe)
	}
	return difficultyCeiling(remaining)
}

func hasTaxonomy(testCases []models.TestCase) bool {
	for _, testCase := range testCases {
		if testCase.Subcategory != "" {
			return true
		}
	}
	return false
}

func difficultyCeiling(remaining []models.TestCase) int {
	hardest := 0
	for _, testCase := range remaining {
		if testCase.Difficulty == ai.DifficultyVeryDifficult {
			hardest++
		}
	}

	switch {
	case len(remaining) > 0 && hardest == len(remaining):
		return 1
	case hardest > 0:
		return 2
	default:
		return MaxSafeBatchSize
	}
}

func applyLoadCeiling(size int, load float64) int {
	switch {
	case load > 0.8:
		return 1
	case load > 0.6:
		return min(2, size)
	case load > 0.4:
		return min(3, size)
	default:
		return size
	}
}

// DermatologyComplexity weighs test cases by subcategory and difficulty.
type DermatologyComplexity struct {
	subcategoryWeights map[string]float64
	difficultyWeights  map[string]float64
}

// NewDermatologyComplexity returns the default complexity model.
func NewDermatologyComplexity() *DermatologyComplexity {
	return &DermatologyComplexity{
		subcategoryWeights: map[string]float64{
			"papulosquamous":      1.0,
			"eczematous":          1.0,
			"follicular":          1.0,
			"urticarial":          1.0,
			"keratinocytic":       1.2,
			"melanocytic":         1.4,
			"lymphoproliferative": 1.8,
			"bullous":             1.6,
			"connective_tissue":   1.7,
			"depigmentation":      1.0,
			"hyperpigmentation":   1.0,
			"fungal":              1.0,
			"viral":               1.1,
			"bacterial":           1.0,
			"infestation":         1.0,
			"hair":                1.1,
			"nail":                1.0,
			"severe_cutaneous":    1.8,
		},
		difficultyWeights: map[string]float64{
			ai.DifficultyBasic:         1.0,
			ai.DifficultyAdvanced:      1.5,
			ai.DifficultyVeryDifficult: 2.0,
		},
	}
}

// BatchSizeCeiling averages the complexity of the next maxSafe cases.
func (d *DermatologyComplexity) BatchSizeCeiling(testCases []models.TestCase, maxSafe int) int {
	if maxSafe < MinBatchSize {
		maxSafe = MinBatchSize
	}
	window := testCases
	if len(window) > maxSafe {
		window = window[:maxSafe]
	}
	if len(window) == 0 {
		return maxSafe
	}

	total := 0.0
	for _, testCase := range window {
		total += d.weight(testCase)
	}
	average := total / float64(len(window))

	switch {
	case average >= 2.5:
		return MinBatchSize
	case average >= 1.75:
		return min(2, maxSafe)
	default:
		return maxSafe
	}
}

func (d *DermatologyComplexity) weight(testCase models.TestCase) float64 {
	subcategory, ok := d.subcategoryWeights[testCase.Subcategory]
	if !ok {
		subcategory = 1.0
	}
	difficulty, ok := d.difficultyWeights[testCase.Difficulty]
	if !ok {
		difficulty = 1.0
	}
	return subcategory * difficulty
}

func clampInt(value, lower, upper int) int {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}

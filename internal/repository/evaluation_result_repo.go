package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-eval/internal/models"
)

// EvaluationResultRepository stores write-once per test case results.
type EvaluationResultRepository interface {
	Save(ctx context.Context, result *models.EvaluationTestResult) (bool, error)
	ListByJob(ctx context.Context, jobID string) ([]models.EvaluationTestResult, error)
	ListIndices(ctx context.Context, jobID string) ([]int, error)
}

type evaluationResultRepository struct {
	db *gorm.DB
}

// NewEvaluationResultRepository constructs a GORM backed result repository.
func NewEvaluationResultRepository(db *gorm.DB) EvaluationResultRepository {
	return &evaluationResultRepository{db: db}
}

// Save inserts the result unless one already exists for the same job and index. The returned
// flag reports whether this call created the row.
func (r *evaluationResultRepository) Save(ctx context.Context, result *models.EvaluationTestResult) (bool, error) {
	if result.DocKey == "" {
		result.DocKey = models.TestResultKey(result.TestIndex)
	}

	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "test_index"}},
			DoNothing: true,
		}).
		Create(result)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *evaluationResultRepository) ListByJob(ctx context.Context, jobID string) ([]models.EvaluationTestResult, error) {
	var results []models.EvaluationTestResult
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("test_index ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *evaluationResultRepository) ListIndices(ctx context.Context, jobID string) ([]int, error) {
	var indices []int
	if err := r.db.WithContext(ctx).
		Model(&models.EvaluationTestResult{}).
		Where("job_id = ?", jobID).
		Order("test_index ASC").
		Pluck("test_index", &indices).Error; err != nil {
		return nil, err
	}
	return indices, nil
}

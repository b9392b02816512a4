package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-exam-eval/internal/models"
)

// EvaluationSummaryRepository persists analytics summaries of completed jobs.
type EvaluationSummaryRepository interface {
	Save(ctx context.Context, summary *models.EvaluationSummary) error
	GetByJob(ctx context.Context, jobID string) (models.EvaluationSummary, error)
	UpdateReportURL(ctx context.Context, jobID, url string) error
}

type evaluationSummaryRepository struct {
	db *gorm.DB
}

// NewEvaluationSummaryRepository constructs a GORM backed summary repository.
func NewEvaluationSummaryRepository(db *gorm.DB) EvaluationSummaryRepository {
	return &evaluationSummaryRepository{db: db}
}

func (r *evaluationSummaryRepository) Save(ctx context.Context, summary *models.EvaluationSummary) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(summary).Error
}

func (r *evaluationSummaryRepository) GetByJob(ctx context.Context, jobID string) (models.EvaluationSummary, error) {
	var summary models.EvaluationSummary
	if err := r.db.WithContext(ctx).First(&summary, "job_id = ?", jobID).Error; err != nil {
		return models.EvaluationSummary{}, err
	}
	return summary, nil
}

func (r *evaluationSummaryRepository) UpdateReportURL(ctx context.Context, jobID, url string) error {
	return r.db.WithContext(ctx).
		Model(&models.EvaluationSummary{}).
		Where("job_id = ?", jobID).
		Update("report_url", url).Error
}

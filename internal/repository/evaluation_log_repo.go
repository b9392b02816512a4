package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/models"
)

// EvaluationLiveLogRepository appends and reads job progress events.
type EvaluationLiveLogRepository interface {
	Create(ctx context.Context, entry *models.EvaluationLiveLog) error
	ListRecent(ctx context.Context, jobID string, limit int) ([]models.EvaluationLiveLog, error)
}

type evaluationLiveLogRepository struct {
	db *gorm.DB
}

// NewEvaluationLiveLogRepository constructs a GORM backed live log repository.
func NewEvaluationLiveLogRepository(db *gorm.DB) EvaluationLiveLogRepository {
	return &evaluationLiveLogRepository{db: db}
}

func (r *evaluationLiveLogRepository) Create(ctx context.Context, entry *models.EvaluationLiveLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListRecent returns the newest entries of a job in chronological order.
func (r *evaluationLiveLogRepository) ListRecent(ctx context.Context, jobID string, limit int) ([]models.EvaluationLiveLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.EvaluationLiveLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-exam-eval/internal/models"
)

// EvaluationJobFinish describes a transition into a terminal status.
type EvaluationJobFinish struct {
	Status      models.EvaluationJobStatus
	Results     *models.EvaluationResults
	Reason      string
	CompletedAt time.Time
	// Error is attached in the same transaction, only when the transition applies.
	Error *models.EvaluationErrorEntry
}

// EvaluationJobRepository persists evaluation jobs and their error trail.
type EvaluationJobRepository interface {
	Create(ctx context.Context, job *models.EvaluationJob) error
	GetByID(ctx context.Context, id string) (models.EvaluationJob, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	UpdateProgressInfo(ctx context.Context, id string, testCase models.TestCase) error
	IncrementCompleted(ctx context.Context, id string) (bool, error)
	AppendError(ctx context.Context, entry *models.EvaluationErrorEntry) (bool, error)
	RequestCancel(ctx context.Context, id, reason string) (bool, error)
	Finish(ctx context.Context, id string, finish EvaluationJobFinish) (bool, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.EvaluationJob, error)
	CountByStatus(ctx context.Context, status models.EvaluationJobStatus) (int64, error)
}

type evaluationJobRepository struct {
	db *gorm.DB
}

// NewEvaluationJobRepository constructs a GORM backed job repository.
func NewEvaluationJobRepository(db *gorm.DB) EvaluationJobRepository {
	return &evaluationJobRepository{db: db}
}

func (r *evaluationJobRepository) Create(ctx context.Context, job *models.EvaluationJob) error {
	return r.db.WithContext(ctx).Omit("Errors").Create(job).Error
}

func (r *evaluationJobRepository) GetByID(ctx context.Context, id string) (models.EvaluationJob, error) {
	var job models.EvaluationJob
	err := r.db.WithContext(ctx).
		Preload("Errors", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&job, "id = ?", id).Error
	if err != nil {
		return models.EvaluationJob{}, err
	}
	return job, nil
}

func (r *evaluationJobRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EvaluationJob{}).
		Where("id = ? AND status = ?", id, models.EvaluationJobPending).
		Update("status", models.EvaluationJobRunning)
	return result.RowsAffected == 1, result.Error
}

func (r *evaluationJobRepository) UpdateProgressInfo(ctx context.Context, id string, testCase models.TestCase) error {
	return r.db.WithContext(ctx).
		Model(&models.EvaluationJob{}).
		Where("id = ? AND status IN ?", id, models.ActiveEvaluationStatuses).
		Updates(map[string]interface{}{
			"current_pipeline":   testCase.Pipeline,
			"current_topic":      testCase.Topic,
			"current_difficulty": testCase.Difficulty,
		}).Error
}

// IncrementCompleted advances the counter in a single statement so concurrent writers never lose
// an update. Terminal jobs and full counters are left untouched.
func (r *evaluationJobRepository) IncrementCompleted(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EvaluationJob{}).
		Where("id = ? AND status IN ? AND completed_tests < total_tests", id, models.ActiveEvaluationStatuses).
		Updates(map[string]interface{}{
			"completed_tests": gorm.Expr("completed_tests + ?", 1),
		})
	return result.RowsAffected == 1, result.Error
}

// AppendError attaches an entry to an active job and reports whether it was stored. The guard
// update takes the job row lock, so a concurrent Finish either precedes it or waits for it.
func (r *evaluationJobRepository) AppendError(ctx context.Context, entry *models.EvaluationErrorEntry) (bool, error) {
	appended := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		guard := tx.Model(&models.EvaluationJob{}).
			Where("id = ? AND status IN ?", entry.JobID, models.ActiveEvaluationStatuses).
			Update("updated_at", time.Now().UTC())
		if guard.Error != nil || guard.RowsAffected == 0 {
			return guard.Error
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

func (r *evaluationJobRepository) RequestCancel(ctx context.Context, id, reason string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.EvaluationJob{}).
		Where("id = ? AND status IN ?", id, models.ActiveEvaluationStatuses).
		Updates(map[string]interface{}{
			"cancel_requested":    true,
			"cancellation_reason": reason,
		})
	return result.RowsAffected == 1, result.Error
}

// Finish writes the terminal status together with its payload. It only applies to active jobs,
// so completed_at is set exactly once.
func (r *evaluationJobRepository) Finish(ctx context.Context, id string, finish EvaluationJobFinish) (bool, error) {
	updates := map[string]interface{}{
		"status":       finish.Status,
		"completed_at": finish.CompletedAt,
	}
	switch finish.Status {
	case models.EvaluationJobCompleted:
		if finish.Results != nil {
			updates["results"] = datatypes.NewJSONType(*finish.Results)
		}
	case models.EvaluationJobCancelled:
		updates["cancellation_reason"] = finish.Reason
	case models.EvaluationJobFailed:
		updates["failure_reason"] = finish.Reason
	}

	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.EvaluationJob{}).
			Where("id = ? AND status IN ?", id, models.ActiveEvaluationStatuses).
			Updates(updates)
		if result.Error != nil || result.RowsAffected != 1 {
			return result.Error
		}
		if finish.Error != nil {
			finish.Error.JobID = id
			if err := tx.Create(finish.Error).Error; err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *evaluationJobRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]models.EvaluationJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var jobs []models.EvaluationJob
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.EvaluationJobRunning, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *evaluationJobRepository) CountByStatus(ctx context.Context, status models.EvaluationJobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.EvaluationJob{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"settlement-backend/internal/models"
)

// CollectionRepository sweep attempts and the sweep retry queue
type CollectionRepository interface {
	WithTx(tx *gorm.DB) CollectionRepository

	CreateRecord(ctx context.Context, rec *models.CollectionRecord) error
	UpdateRecord(ctx context.Context, id uint64, updates map[string]interface{}) error
	GetRecord(ctx context.Context, id uint64) (*models.CollectionRecord, error)
	HasInFlight(ctx context.Context, userID uint64) (bool, error)
	ListByStatus(ctx context.Context, status models.CollectionStatus, limit int) ([]models.CollectionRecord, error)
	ListByUser(ctx context.Context, userID uint64) ([]models.CollectionRecord, error)
	// TrailingResourceAverage mean energy of the last n completed sweeps; ok false without samples.
	TrailingResourceAverage(ctx context.Context, n int) (avg int64, ok bool, err error)

	GetRetryTask(ctx context.Context, userID uint64) (*models.RetryTask, error)
	SaveRetryTask(ctx context.Context, task *models.RetryTask) error
	DeleteRetryTask(ctx context.Context, userID uint64) error
	DueRetryTasks(ctx context.Context, now time.Time, limit int) ([]models.RetryTask, error)
	// HasPendingRetry users with a live retry task are left to the retry processor.
	HasPendingRetry(ctx context.Context, userID uint64) (bool, error)
}

type collectionRepository struct {
	db *gorm.DB
}

func NewCollectionRepository(db *gorm.DB) CollectionRepository {
	return &collectionRepository{db: db}
}

func (r *collectionRepository) WithTx(tx *gorm.DB) CollectionRepository {
	return &collectionRepository{db: tx}
}

func (r *collectionRepository) CreateRecord(ctx context.Context, rec *models.CollectionRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *collectionRepository) UpdateRecord(ctx context.Context, id uint64, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Model(&models.CollectionRecord{}).Where("id = ?", id).Updates(updates).Error
}

func (r *collectionRepository) GetRecord(ctx context.Context, id uint64) (*models.CollectionRecord, error) {
	var rec models.CollectionRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

func (r *collectionRepository) HasInFlight(ctx context.Context, userID uint64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.CollectionRecord{}).
		Where("user_id = ? AND status IN ?", userID, []models.CollectionStatus{
			models.CollectionStatusProcessing,
			models.CollectionStatusSubmitted,
		}).
		Count(&n).Error
	return n > 0, err
}

func (r *collectionRepository) ListByStatus(ctx context.Context, status models.CollectionStatus, limit int) ([]models.CollectionRecord, error) {
	var recs []models.CollectionRecord
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id").Limit(limit).Find(&recs).Error
	return recs, err
}

func (r *collectionRepository) ListByUser(ctx context.Context, userID uint64) ([]models.CollectionRecord, error) {
	var recs []models.CollectionRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&recs).Error
	return recs, err
}

func (r *collectionRepository) TrailingResourceAverage(ctx context.Context, n int) (int64, bool, error) {
	var used []int64
	err := r.db.WithContext(ctx).Model(&models.CollectionRecord{}).
		Where("status = ? AND resource_used > 0", models.CollectionStatusCompleted).
		Order("id DESC").
		Limit(n).
		Pluck("resource_used", &used).Error
	if err != nil || len(used) == 0 {
		return 0, false, err
	}
	var sum int64
	for _, u := range used {
		sum += u
	}
	return sum / int64(len(used)), true, nil
}

func (r *collectionRepository) GetRetryTask(ctx context.Context, userID uint64) (*models.RetryTask, error) {
	var task models.RetryTask
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&task).Error; err != nil {
		return nil, translate(err)
	}
	return &task, nil
}

func (r *collectionRepository) SaveRetryTask(ctx context.Context, task *models.RetryTask) error {
	return translate(r.db.WithContext(ctx).Save(task).Error)
}

func (r *collectionRepository) DeleteRetryTask(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RetryTask{}).Error
}

func (r *collectionRepository) DueRetryTasks(ctx context.Context, now time.Time, limit int) ([]models.RetryTask, error) {
	var tasks []models.RetryTask
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.RetryTaskStatusPending, now).
		Order("next_retry_at").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *collectionRepository) HasPendingRetry(ctx context.Context, userID uint64) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.RetryTask{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n > 0, err
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-backend/internal/models"
)

type DepositRepository interface {
	WithTx(tx *gorm.DB) DepositRepository

	// Create returns ErrDuplicate when the tx hash was already ingested.
	Create(ctx context.Context, deposit *models.Deposit) error
	ExistsTxHash(ctx context.Context, txHash string) (bool, error)
	ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Deposit, error)
	// ActivityWindow first and last deposit time of a user; nil when none.
	ActivityWindow(ctx context.Context, userID uint64) (first, last *time.Time, err error)

	GetWatermark(ctx context.Context, asset string) (*models.DepositWatermark, error)
	SaveWatermark(ctx context.Context, wm *models.DepositWatermark) error
}

type depositRepository struct {
	db *gorm.DB
}

func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &depositRepository{db: db}
}

func (r *depositRepository) WithTx(tx *gorm.DB) DepositRepository {
	return &depositRepository{db: tx}
}

func (r *depositRepository) Create(ctx context.Context, deposit *models.Deposit) error {
	return translate(r.db.WithContext(ctx).Create(deposit).Error)
}

func (r *depositRepository) ExistsTxHash(ctx context.Context, txHash string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Deposit{}).Where("tx_hash = ?", txHash).Count(&n).Error
	return n > 0, err
}

func (r *depositRepository) ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Deposit, error) {
	var deposits []models.Deposit
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&deposits).Error
	return deposits, err
}

func (r *depositRepository) ActivityWindow(ctx context.Context, userID uint64) (*time.Time, *time.Time, error) {
	var first, last models.Deposit
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").First(&first).Error
	if err != nil {
		if translate(err) == ErrNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").First(&last).Error; err != nil {
		return nil, nil, err
	}
	return &first.CreatedAt, &last.CreatedAt, nil
}

// GetWatermark a missing row means nothing was scanned yet.
func (r *depositRepository) GetWatermark(ctx context.Context, asset string) (*models.DepositWatermark, error) {
	var wm models.DepositWatermark
	err := r.db.WithContext(ctx).Where("asset = ?", asset).First(&wm).Error
	if err != nil {
		if translate(err) == ErrNotFound {
			return &models.DepositWatermark{Asset: asset}, nil
		}
		return nil, err
	}
	return &wm, nil
}

func (r *depositRepository) SaveWatermark(ctx context.Context, wm *models.DepositWatermark) error {
	wm.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_timestamp", "last_block", "updated_at"}),
	}).Create(wm).Error
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-backend/internal/models"
)

type WithdrawalRepository interface {
	WithTx(tx *gorm.DB) WithdrawalRepository

	Create(ctx context.Context, w *models.Withdrawal) error
	GetByID(ctx context.Context, id uint64) (*models.Withdrawal, error)
	LockByID(ctx context.Context, id uint64) (*models.Withdrawal, error)
	// Transition applies updates only while the row is in from.
	Transition(ctx context.Context, id uint64, from models.WithdrawalStatus, updates map[string]interface{}) error
	ListByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error)
	ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Withdrawal, error)
}

type withdrawalRepository struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) WithdrawalRepository {
	return &withdrawalRepository{db: db}
}

func (r *withdrawalRepository) WithTx(tx *gorm.DB) WithdrawalRepository {
	return &withdrawalRepository{db: tx}
}

func (r *withdrawalRepository) Create(ctx context.Context, w *models.Withdrawal) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *withdrawalRepository) GetByID(ctx context.Context, id uint64) (*models.Withdrawal, error) {
	var w models.Withdrawal
	if err := r.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *withdrawalRepository) LockByID(ctx context.Context, id uint64) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&w, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *withdrawalRepository) Transition(ctx context.Context, id uint64, from models.WithdrawalStatus, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&models.Withdrawal{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *withdrawalRepository) ListByStatus(ctx context.Context, status models.WithdrawalStatus, limit int) ([]models.Withdrawal, error) {
	var ws []models.Withdrawal
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id").Limit(limit).Find(&ws).Error
	return ws, err
}

func (r *withdrawalRepository) ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Withdrawal, error) {
	var ws []models.Withdrawal
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&ws).Error
	return ws, err
}

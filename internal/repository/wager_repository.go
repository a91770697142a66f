package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-backend/internal/models"
)

type WagerRepository interface {
	WithTx(tx *gorm.DB) WagerRepository

	Create(ctx context.Context, wager *models.Wager) error
	GetByID(ctx context.Context, id uint64) (*models.Wager, error)
	GetByPublicID(ctx context.Context, publicID string) (*models.Wager, error)
	// Transition applies updates only while the wager is in one of from.
	// Returns ErrStaleState when it already moved on.
	Transition(ctx context.Context, id uint64, from []models.WagerStatus, updates map[string]interface{}) error
	// SetTxHash stores the trigger hash once.
	SetTxHash(ctx context.Context, id uint64, txHash string) error
	// ListByStatus oldest first; only rows created before olderThan.
	ListByStatus(ctx context.Context, status models.WagerStatus, olderThan time.Time, limit int) ([]models.Wager, error)
	ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Wager, error)
	CountByStatus(ctx context.Context, status models.WagerStatus) (int64, error)

	// LockStats locks (creating when absent) the user's stats row.
	LockStats(ctx context.Context, userID uint64) (*models.UserGameStats, error)
	SaveStats(ctx context.Context, stats *models.UserGameStats) error
	GetStats(ctx context.Context, userID uint64) (*models.UserGameStats, error)
}

type wagerRepository struct {
	db *gorm.DB
}

func NewWagerRepository(db *gorm.DB) WagerRepository {
	return &wagerRepository{db: db}
}

func (r *wagerRepository) WithTx(tx *gorm.DB) WagerRepository {
	return &wagerRepository{db: tx}
}

func (r *wagerRepository) Create(ctx context.Context, wager *models.Wager) error {
	return translate(r.db.WithContext(ctx).Create(wager).Error)
}

func (r *wagerRepository) GetByID(ctx context.Context, id uint64) (*models.Wager, error) {
	var w models.Wager
	if err := r.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *wagerRepository) GetByPublicID(ctx context.Context, publicID string) (*models.Wager, error) {
	var w models.Wager
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *wagerRepository) Transition(ctx context.Context, id uint64, from []models.WagerStatus, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&models.Wager{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// SetTxHash stores the trigger hash once; a wager that already has one
// returns ErrStaleState.
func (r *wagerRepository) SetTxHash(ctx context.Context, id uint64, txHash string) error {
	res := r.db.WithContext(ctx).Model(&models.Wager{}).
		Where("id = ? AND (tx_hash = '' OR tx_hash IS NULL)", id).
		Updates(map[string]interface{}{"tx_hash": txHash, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

func (r *wagerRepository) ListByStatus(ctx context.Context, status models.WagerStatus, olderThan time.Time, limit int) ([]models.Wager, error) {
	var wagers []models.Wager
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", status, olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) ListByUser(ctx context.Context, userID uint64, limit int) ([]models.Wager, error) {
	var wagers []models.Wager
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&wagers).Error
	return wagers, err
}

func (r *wagerRepository) CountByStatus(ctx context.Context, status models.WagerStatus) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Wager{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (r *wagerRepository) LockStats(ctx context.Context, userID uint64) (*models.UserGameStats, error) {
	seed := models.UserGameStats{UserID: userID, UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, err
	}
	var stats models.UserGameStats
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&stats).Error
	if err != nil {
		return nil, translate(err)
	}
	return &stats, nil
}

func (r *wagerRepository) SaveStats(ctx context.Context, stats *models.UserGameStats) error {
	stats.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(stats).Error
}

func (r *wagerRepository) GetStats(ctx context.Context, userID uint64) (*models.UserGameStats, error) {
	var stats models.UserGameStats
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&stats).Error; err != nil {
		return nil, translate(err)
	}
	return &stats, nil
}

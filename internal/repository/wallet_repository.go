package repository

import (
	"context"
	"database/sql"

	"gorm.io/gorm"

	"settlement-backend/internal/models"
)

type WalletRepository interface {
	WithTx(tx *gorm.DB) WalletRepository

	Create(ctx context.Context, wallet *models.UserWallet) error
	GetByUserID(ctx context.Context, userID uint64) (*models.UserWallet, error)
	GetByTronAddress(ctx context.Context, address string) (*models.UserWallet, error)
	GetByIndex(ctx context.Context, index uint32) (*models.UserWallet, error)
	// MaxIndex highest allocated derivation index; ok is false when none exist.
	MaxIndex(ctx context.Context) (index uint32, ok bool, err error)
	IndexTaken(ctx context.Context, index uint32) (bool, error)
	// ListAfterUserID wallets ordered by user id, starting after cursor.
	ListAfterUserID(ctx context.Context, cursor uint64, limit int) ([]models.UserWallet, error)
	ListAll(ctx context.Context) ([]models.UserWallet, error)
	Count(ctx context.Context) (int64, error)
}

type walletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

func (r *walletRepository) WithTx(tx *gorm.DB) WalletRepository {
	return &walletRepository{db: tx}
}

func (r *walletRepository) Create(ctx context.Context, wallet *models.UserWallet) error {
	return translate(r.db.WithContext(ctx).Create(wallet).Error)
}

func (r *walletRepository) GetByUserID(ctx context.Context, userID uint64) (*models.UserWallet, error) {
	var w models.UserWallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *walletRepository) GetByTronAddress(ctx context.Context, address string) (*models.UserWallet, error) {
	var w models.UserWallet
	if err := r.db.WithContext(ctx).Where("tron_address = ?", address).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *walletRepository) GetByIndex(ctx context.Context, index uint32) (*models.UserWallet, error) {
	var w models.UserWallet
	if err := r.db.WithContext(ctx).Where("derivation_index = ?", index).First(&w).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

func (r *walletRepository) MaxIndex(ctx context.Context) (uint32, bool, error) {
	var max sql.NullInt64
	err := r.db.WithContext(ctx).Model(&models.UserWallet{}).
		Select("MAX(derivation_index)").
		Scan(&max).Error
	if err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint32(max.Int64), true, nil
}

func (r *walletRepository) IndexTaken(ctx context.Context, index uint32) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.UserWallet{}).
		Where("derivation_index = ?", index).
		Count(&n).Error
	return n > 0, err
}

func (r *walletRepository) ListAfterUserID(ctx context.Context, cursor uint64, limit int) ([]models.UserWallet, error) {
	var wallets []models.UserWallet
	err := r.db.WithContext(ctx).
		Where("user_id > ?", cursor).
		Order("user_id").
		Limit(limit).
		Find(&wallets).Error
	return wallets, err
}

func (r *walletRepository) ListAll(ctx context.Context) ([]models.UserWallet, error) {
	var wallets []models.UserWallet
	err := r.db.WithContext(ctx).Order("user_id").Find(&wallets).Error
	return wallets, err
}

func (r *walletRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.UserWallet{}).Count(&n).Error
	return n, err
}

package repository

import (
	"context"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-backend/internal/models"
)

const (
	StateKeySweepCursor      = "sweep_cursor"
	StateKeyWalletAllocation = "wallet_allocation"
)

// StateRepository persisted cursors and lock rows in system_state.
type StateRepository interface {
	WithTx(tx *gorm.DB) StateRepository

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetUint(ctx context.Context, key string) (uint64, error)
	SetUint(ctx context.Context, key string, v uint64) error
	// Lock creates key if needed and holds a row lock on it for the
	// lifetime of the surrounding transaction.
	Lock(ctx context.Context, key string) error
}

type stateRepository struct {
	db *gorm.DB
}

func NewStateRepository(db *gorm.DB) StateRepository {
	return &stateRepository{db: db}
}

func (r *stateRepository) WithTx(tx *gorm.DB) StateRepository {
	return &stateRepository{db: tx}
}

func (r *stateRepository) Get(ctx context.Context, key string) (string, error) {
	var st models.SystemState
	if err := r.db.WithContext(ctx).Where(&models.SystemState{Key: key}).First(&st).Error; err != nil {
		return "", translate(err)
	}
	return st.Value, nil
}

func (r *stateRepository) Set(ctx context.Context, key, value string) error {
	st := models.SystemState{Key: key, Value: value, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&st).Error
}

// GetUint missing keys read as zero.
func (r *stateRepository) GetUint(ctx context.Context, key string) (uint64, error) {
	v, err := r.Get(ctx, key)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (r *stateRepository) SetUint(ctx context.Context, key string, v uint64) error {
	return r.Set(ctx, key, strconv.FormatUint(v, 10))
}

func (r *stateRepository) Lock(ctx context.Context, key string) error {
	seed := models.SystemState{Key: key, Value: "", UpdatedAt: time.Now()}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return err
	}
	var st models.SystemState
	return r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(&models.SystemState{Key: key}).
		First(&st).Error
}

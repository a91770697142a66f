package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"settlement-backend/internal/models"
)

type EnergyLeaseRepository interface {
	Create(ctx context.Context, lease *models.EnergyLease) error
	Update(ctx context.Context, id uint64, updates map[string]interface{}) error
	ActiveByTask(ctx context.Context, taskID string) ([]models.EnergyLease, error)
	ListByStatus(ctx context.Context, status models.EnergyLeaseStatus) ([]models.EnergyLease, error)
}

type energyLeaseRepository struct {
	db *gorm.DB
}

func NewEnergyLeaseRepository(db *gorm.DB) EnergyLeaseRepository {
	return &energyLeaseRepository{db: db}
}

func (r *energyLeaseRepository) Create(ctx context.Context, lease *models.EnergyLease) error {
	return r.db.WithContext(ctx).Create(lease).Error
}

func (r *energyLeaseRepository) Update(ctx context.Context, id uint64, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Model(&models.EnergyLease{}).Where("id = ?", id).Updates(updates).Error
}

func (r *energyLeaseRepository) ActiveByTask(ctx context.Context, taskID string) ([]models.EnergyLease, error) {
	var leases []models.EnergyLease
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND status = ?", taskID, models.EnergyLeaseStatusActive).
		Order("id").
		Find(&leases).Error
	return leases, err
}

func (r *energyLeaseRepository) ListByStatus(ctx context.Context, status models.EnergyLeaseStatus) ([]models.EnergyLease, error) {
	var leases []models.EnergyLease
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&leases).Error
	return leases, err
}

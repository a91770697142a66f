package models

import (
	"time"
)

type EnergyLeaseStatus string

const (
	EnergyLeaseStatusPending   EnergyLeaseStatus = "pending" // recorded before the delegate broadcast
	EnergyLeaseStatusActive    EnergyLeaseStatus = "active"
	EnergyLeaseStatusReclaimed EnergyLeaseStatus = "reclaimed"
	EnergyLeaseStatusFailed    EnergyLeaseStatus = "failed"
)

// EnergyLease energy delegated from a provider wallet, tracked so it can be reclaimed
type EnergyLease struct {
	ID              uint64            `json:"id" gorm:"primaryKey"`
	ProviderAddress string            `json:"provider_address" gorm:"type:varchar(34);not null;index"`
	ReceiverAddress string            `json:"receiver_address" gorm:"type:varchar(34);not null"`
	Energy          int64             `json:"energy" gorm:"not null"`      // requested energy units
	BalanceSun      int64             `json:"balance_sun" gorm:"not null"` // staked TRX delegated, in sun
	Status          EnergyLeaseStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	TaskID          string            `json:"task_id" gorm:"type:varchar(64);not null;index"`

	TxHash        string `json:"tx_hash" gorm:"type:varchar(80)"`
	ReclaimTxHash string `json:"reclaim_tx_hash" gorm:"type:varchar(80)"`
	ErrorReason   string `json:"error_reason" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ReclaimedAt *time.Time `json:"reclaimed_at"`
}

func (EnergyLease) TableName() string {
	return "energy_rentals"
}

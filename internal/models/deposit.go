package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositStatusCredited     DepositStatus = "credited"
	DepositStatusBelowMinimum DepositStatus = "below_minimum" // recorded, never credited
)

// Deposit inbound transfer to a derived address. TxHash is the idempotency guard.
type Deposit struct {
	ID      uint64          `json:"id" gorm:"primaryKey"`
	TxHash  string          `json:"tx_hash" gorm:"type:varchar(80);not null;uniqueIndex"`
	UserID  uint64          `json:"user_id" gorm:"not null;index"`
	Address string          `json:"address" gorm:"type:varchar(34);not null;index"`
	Chain   string          `json:"chain" gorm:"type:varchar(16);not null"`
	Asset   string          `json:"asset" gorm:"type:varchar(16);not null"`
	Amount  decimal.Decimal `json:"amount" gorm:"type:decimal(36,6);not null"`
	Status  DepositStatus   `json:"status" gorm:"type:varchar(16);not null"`

	// chain position
	FromAddress string    `json:"from_address" gorm:"type:varchar(34)"`
	BlockNumber int64     `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
	Source      string    `json:"source" gorm:"type:varchar(16)"` // data source that found it

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (Deposit) TableName() string {
	return "deposits"
}

// DepositWatermark last fully scanned position per asset
type DepositWatermark struct {
	Asset         string    `json:"asset" gorm:"primaryKey;type:varchar(16)"`
	LastTimestamp int64     `json:"last_timestamp"` // block time, unix ms
	LastBlock     int64     `json:"last_block"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (DepositWatermark) TableName() string {
	return "deposit_watermarks"
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"    // awaiting review, or reverted after a failed send
	WithdrawalStatusProcessing WithdrawalStatus = "processing" // only state that may send on-chain
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected" // refunded
)

// Withdrawal payout request. The ledger debit happens when the row is created.
type Withdrawal struct {
	ID      uint64           `json:"id" gorm:"primaryKey"`
	UserID  uint64           `json:"user_id" gorm:"not null;index"`
	Address string           `json:"address" gorm:"type:varchar(34);not null"`
	Asset   string           `json:"asset" gorm:"type:varchar(16);not null"`
	Amount  decimal.Decimal  `json:"amount" gorm:"type:decimal(36,6);not null"`
	Status  WithdrawalStatus `json:"status" gorm:"type:varchar(16);not null;default:pending;index"`

	// review
	AutoApproved bool    `json:"auto_approved" gorm:"not null;default:false"`
	ReviewerID   *uint64 `json:"reviewer_id"`
	RejectReason string  `json:"reject_reason" gorm:"type:text"`

	// chain
	TxHash        string     `json:"tx_hash" gorm:"type:varchar(80);index"` // set before broadcast, confirmed on completion
	SentAt        *time.Time `json:"sent_at"`
	FailureReason string     `json:"failure_reason" gorm:"type:text"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (Withdrawal) TableName() string {
	return "withdrawals"
}

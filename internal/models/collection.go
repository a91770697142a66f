package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CollectionStatus string

const (
	CollectionStatusProcessing CollectionStatus = "processing" // in flight
	CollectionStatusSubmitted  CollectionStatus = "submitted"  // broadcast, outcome unknown
	CollectionStatusCompleted  CollectionStatus = "completed"
	CollectionStatusFailed     CollectionStatus = "failed"
)

// CollectionRecord one sweep attempt of a user wallet into custody
type CollectionRecord struct {
	ID      uint64           `json:"id" gorm:"primaryKey"`
	RunID   string           `json:"run_id" gorm:"type:varchar(36);index"`
	UserID  uint64           `json:"user_id" gorm:"not null;index"`
	Address string           `json:"address" gorm:"type:varchar(34);not null"`
	Amount  decimal.Decimal  `json:"amount" gorm:"type:decimal(36,6);not null"`
	Status  CollectionStatus `json:"status" gorm:"type:varchar(16);not null;index"`

	// chain
	ApproveTxHash string `json:"approve_tx_hash" gorm:"type:varchar(80)"`
	TxHash        string `json:"tx_hash" gorm:"type:varchar(80);index"`
	ResourceUsed  int64  `json:"resource_used"` // energy read back from the receipt
	ErrorReason   string `json:"error_reason" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CollectionRecord) TableName() string {
	return "collection_logs"
}

// InFlight processing and submitted rows block another sweep of the same wallet
func (r *CollectionRecord) InFlight() bool {
	return r.Status == CollectionStatusProcessing || r.Status == CollectionStatusSubmitted
}

type RetryTaskStatus string

const (
	RetryTaskStatusPending   RetryTaskStatus = "pending"
	RetryTaskStatusAbandoned RetryTaskStatus = "abandoned" // dead-lettered, operator must act
)

// maxBackoffExponent keeps the shift sane if MaxRetries is misconfigured
const maxBackoffExponent = 16

// RetryTask sweep retry for one user. Deleted once a retry succeeds.
type RetryTask struct {
	ID     uint64          `json:"id" gorm:"primaryKey"`
	UserID uint64          `json:"user_id" gorm:"not null;uniqueIndex"`
	Status RetryTaskStatus `json:"status" gorm:"type:varchar(16);not null;default:pending;index"`

	// retry
	RetryCount  int       `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries  int       `json:"max_retries" gorm:"not null;default:5"`
	NextRetryAt time.Time `json:"next_retry_at" gorm:"index"`
	ErrorReason string    `json:"error_reason" gorm:"type:text"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AbandonedAt *time.Time `json:"abandoned_at"`
}

func (RetryTask) TableName() string {
	return "collection_retry_queue"
}

// BackoffDelay 2^retryCount hours: 2h, 4h, 8h ...
func (t *RetryTask) BackoffDelay() time.Duration {
	exp := t.RetryCount
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	return time.Duration(1<<uint(exp)) * time.Hour
}

// RecordFailure bumps the counter and schedules the next attempt, or
// abandons the task once MaxRetries is reached.
func (t *RetryTask) RecordFailure(reason string, now time.Time) {
	t.RetryCount++
	t.ErrorReason = reason

	if t.RetryCount >= t.MaxRetries {
		t.Status = RetryTaskStatusAbandoned
		t.AbandonedAt = &now
		return
	}
	t.Status = RetryTaskStatusPending
	t.NextRetryAt = now.Add(t.BackoffDelay())
}

// Due whether the task should be picked up at now
func (t *RetryTask) Due(now time.Time) bool {
	return t.Status == RetryTaskStatusPending &&
		t.RetryCount < t.MaxRetries &&
		!now.Before(t.NextRetryAt)
}

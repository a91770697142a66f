package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled" // rejects debits, credits still land
)

// LedgerAccount internal balance of one asset for one user.
// Mutated only inside a transaction holding the row lock.
type LedgerAccount struct {
	ID      uint64          `json:"id" gorm:"primaryKey"`
	UserID  uint64          `json:"user_id" gorm:"not null;uniqueIndex:idx_ledger_user_asset"`
	Asset   string          `json:"asset" gorm:"type:varchar(16);not null;uniqueIndex:idx_ledger_user_asset"`
	Balance decimal.Decimal `json:"balance" gorm:"type:decimal(36,6);not null;default:0;check:chk_ledger_balance_non_negative,balance >= 0"`
	Status  AccountStatus   `json:"status" gorm:"type:varchar(16);not null;default:active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (LedgerAccount) TableName() string {
	return "ledger_accounts"
}

// CanDebit reports whether the account accepts outgoing mutations.
func (a *LedgerAccount) CanDebit() bool {
	return a.Status == AccountStatusActive
}

type EntryReason string

const (
	EntryReasonDeposit        EntryReason = "deposit"
	EntryReasonWagerStake     EntryReason = "wager_stake"
	EntryReasonWagerPayout    EntryReason = "wager_payout"
	EntryReasonWagerRefund    EntryReason = "wager_refund"
	EntryReasonWithdrawal     EntryReason = "withdrawal"
	EntryReasonWithdrawRefund EntryReason = "withdrawal_refund"
)

// LedgerEntry journal row written in the same transaction as every balance change
type LedgerEntry struct {
	ID           uint64          `json:"id" gorm:"primaryKey"`
	AccountID    uint64          `json:"account_id" gorm:"not null;index"`
	UserID       uint64          `json:"user_id" gorm:"not null;index"`
	Delta        decimal.Decimal `json:"delta" gorm:"type:decimal(36,6);not null"`
	BalanceAfter decimal.Decimal `json:"balance_after" gorm:"type:decimal(36,6);not null"`
	Reason       EntryReason     `json:"reason" gorm:"type:varchar(32);not null"`

	// what caused it
	RefType string `json:"ref_type" gorm:"type:varchar(32);index:idx_ledger_entry_ref"`
	RefID   string `json:"ref_id" gorm:"type:varchar(80);index:idx_ledger_entry_ref"`

	CreatedAt time.Time `json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// FundCredential funds-movement credential checked before any payout
type FundCredential struct {
	UserID       uint64    `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	PasswordHash string    `json:"-" gorm:"type:varchar(100)"` // bcrypt
	TOTPSecret   string    `json:"-" gorm:"type:varchar(64)"`  // optional second factor
	UpdatedAt    time.Time `json:"updated_at"`
}

func (FundCredential) TableName() string {
	return "fund_credentials"
}

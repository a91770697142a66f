package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WagerStatus string

const (
	WagerStatusPending               WagerStatus = "pending"
	WagerStatusPendingOnchainFailure WagerStatus = "pending_onchain_failure" // trigger deferred, awaiting recovery
	WagerStatusWon                   WagerStatus = "won"
	WagerStatusLost                  WagerStatus = "lost"
	WagerStatusRefunded              WagerStatus = "refunded"
)

// IsTerminal terminal states are final
func (s WagerStatus) IsTerminal() bool {
	return s == WagerStatusWon || s == WagerStatusLost || s == WagerStatusRefunded
}

type GameMode string

const (
	GameModeClassic GameMode = "classic"
	GameModeStreak  GameMode = "streak"
)

type WagerChoice string

const (
	ChoiceBig   WagerChoice = "big"
	ChoiceSmall WagerChoice = "small"
	ChoiceOdd   WagerChoice = "odd"
	ChoiceEven  WagerChoice = "even"
)

func (c WagerChoice) Valid() bool {
	switch c {
	case ChoiceBig, ChoiceSmall, ChoiceOdd, ChoiceEven:
		return true
	}
	return false
}

// Wager one stake settled against the hash of an on-chain trigger transaction
type Wager struct {
	ID       uint64          `json:"id" gorm:"primaryKey"`
	PublicID string          `json:"public_id" gorm:"type:varchar(36);not null;uniqueIndex"`
	UserID   uint64          `json:"user_id" gorm:"not null;index"`
	Mode     GameMode        `json:"mode" gorm:"type:varchar(16);not null;default:classic"`
	Choice   WagerChoice     `json:"choice" gorm:"type:varchar(16);not null"`
	Amount   decimal.Decimal `json:"amount" gorm:"type:decimal(36,6);not null"`
	Status   WagerStatus     `json:"status" gorm:"type:varchar(32);not null;default:pending;index"`

	// settlement
	PayoutMultiplier decimal.Decimal `json:"payout_multiplier" gorm:"type:decimal(10,4);not null;default:0"`
	Payout           decimal.Decimal `json:"payout" gorm:"type:decimal(36,6);not null;default:0"`
	OutcomeDigit     *int            `json:"outcome_digit"`
	TxHash           string          `json:"tx_hash" gorm:"type:varchar(80);index"`
	FailureReason    string          `json:"failure_reason" gorm:"type:text"`

	CreatedAt time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt time.Time  `json:"updated_at"`
	SettledAt *time.Time `json:"settled_at"`
}

func (Wager) TableName() string {
	return "wagers"
}

// UserGameStats derived statistics for tier progression, updated with each settlement
type UserGameStats struct {
	UserID        uint64          `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	TotalWagered  decimal.Decimal `json:"total_wagered" gorm:"type:decimal(36,6);not null;default:0"`
	TotalWon      decimal.Decimal `json:"total_won" gorm:"type:decimal(36,6);not null;default:0"`
	WagerCount    int64           `json:"wager_count" gorm:"not null;default:0"`
	WinCount      int64           `json:"win_count" gorm:"not null;default:0"`
	CurrentStreak int             `json:"current_streak" gorm:"not null;default:0"`
	BestStreak    int             `json:"best_streak" gorm:"not null;default:0"`
	Level         int             `json:"level" gorm:"not null;default:0"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (UserGameStats) TableName() string {
	return "user_game_stats"
}

package events

import (
	"github.com/shopspring/decimal"
)

type BalanceChanged struct {
	UserID  uint64          `json:"user_id"`
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
	Delta   decimal.Decimal `json:"delta"`
	Reason  string          `json:"reason"`
}

func (e BalanceChanged) EventUserID() uint64 { return e.UserID }

type DepositCredited struct {
	UserID uint64          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"tx_hash"`
	Status string          `json:"status"`
}

func (e DepositCredited) EventUserID() uint64 { return e.UserID }

type WagerSettled struct {
	UserID       uint64          `json:"user_id"`
	WagerID      string          `json:"wager_id"`
	Status       string          `json:"status"`
	Choice       string          `json:"choice"`
	Amount       decimal.Decimal `json:"amount"`
	Payout       decimal.Decimal `json:"payout"`
	OutcomeDigit *int            `json:"outcome_digit,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
}

func (e WagerSettled) EventUserID() uint64 { return e.UserID }

type WithdrawalUpdated struct {
	UserID       uint64          `json:"user_id"`
	WithdrawalID uint64          `json:"withdrawal_id"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	TxHash       string          `json:"tx_hash,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

func (e WithdrawalUpdated) EventUserID() uint64 { return e.UserID }

// Alert operator facing condition; never routed to end users.
type Alert struct {
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

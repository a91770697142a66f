package models

import (
	"time"
)

const (
	AssetUSDT = "USDT" // value-bearing TRC20 token
	AssetTRX  = "TRX"  // native gas token

	ChainTron = "tron"
)

// UserWallet deposit address pair derived for a user at signup. Immutable.
type UserWallet struct {
	ID              uint64 `json:"id" gorm:"primaryKey"`
	UserID          uint64 `json:"user_id" gorm:"not null;uniqueIndex"`
	DerivationIndex uint32 `json:"derivation_index" gorm:"not null;uniqueIndex"`

	// addresses
	EVMAddress  string `json:"evm_address" gorm:"type:varchar(42);not null;uniqueIndex"`  // bookkeeping only
	TronAddress string `json:"tron_address" gorm:"type:varchar(34);not null;uniqueIndex"` // receives real value

	CreatedAt time.Time `json:"created_at"`
}

func (UserWallet) TableName() string {
	return "user_wallets"
}

// SystemState small key/value rows for cursors that must survive restarts
type SystemState struct {
	Key       string    `json:"key" gorm:"primaryKey;type:varchar(64)"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SystemState) TableName() string {
	return "system_state"
}

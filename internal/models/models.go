// Package models holds the gorm models of the settlement database. Money is
// decimal(36,6) everywhere; balances only change together with a ledger
// entry.
package models

// All returns every model owned by this service, in migration order.
func All() []interface{} {
	return []interface{}{
		&UserWallet{},
		&SystemState{},
		&LedgerAccount{},
		&LedgerEntry{},
		&FundCredential{},
		&Deposit{},
		&DepositWatermark{},
		&Wager{},
		&UserGameStats{},
		&CollectionRecord{},
		&RetryTask{},
		&EnergyLease{},
		&Withdrawal{},
	}
}

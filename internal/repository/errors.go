package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountDisabled   = errors.New("account disabled")
	ErrInvalidAmount     = errors.New("amount must be positive")
	// ErrStaleState a guarded status transition found the row already moved on
	ErrStaleState = errors.New("record is no longer in the expected state")
)

// translate maps gorm errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

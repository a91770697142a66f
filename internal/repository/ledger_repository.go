package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settlement-backend/internal/models"
)

// EntryRef describes why a balance moved; stored on the journal row.
type EntryRef struct {
	Reason  models.EntryReason
	RefType string
	RefID   string
}

// LedgerRepository balance primitives. LockAccount, Credit and Debit must run
// on a repository bound to an open transaction (see WithTx).
type LedgerRepository interface {
	WithTx(tx *gorm.DB) LedgerRepository

	CreateAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error)
	GetAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error)
	ListAccounts(ctx context.Context, userID uint64) ([]models.LedgerAccount, error)
	SetStatus(ctx context.Context, userID uint64, status models.AccountStatus) error

	// LockAccount SELECT ... FOR UPDATE on the account row.
	LockAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error)
	Credit(ctx context.Context, acct *models.LedgerAccount, amount decimal.Decimal, ref EntryRef) (*models.LedgerEntry, error)
	Debit(ctx context.Context, acct *models.LedgerAccount, amount decimal.Decimal, ref EntryRef) (*models.LedgerEntry, error)

	ListEntries(ctx context.Context, userID uint64, limit int) ([]models.LedgerEntry, error)
	EntriesByRef(ctx context.Context, refType, refID string) ([]models.LedgerEntry, error)

	GetCredential(ctx context.Context, userID uint64) (*models.FundCredential, error)
	SaveCredential(ctx context.Context, cred *models.FundCredential) error

	// Audit compares every balance with the sum of its journal.
	Audit(ctx context.Context) ([]AccountDrift, error)
}

// AccountDrift an account whose balance disagrees with its journal
type AccountDrift struct {
	Account    models.LedgerAccount
	JournalSum decimal.Decimal
}

type ledgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) WithTx(tx *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: tx}
}

func (r *ledgerRepository) CreateAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error) {
	acct := &models.LedgerAccount{
		UserID:  userID,
		Asset:   asset,
		Balance: decimal.Zero,
		Status:  models.AccountStatusActive,
	}
	if err := r.db.WithContext(ctx).Create(acct).Error; err != nil {
		return nil, translate(err)
	}
	return acct, nil
}

func (r *ledgerRepository) GetAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error) {
	var acct models.LedgerAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&acct).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

func (r *ledgerRepository) ListAccounts(ctx context.Context, userID uint64) ([]models.LedgerAccount, error) {
	var accts []models.LedgerAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("asset").Find(&accts).Error
	return accts, err
}

func (r *ledgerRepository) SetStatus(ctx context.Context, userID uint64, status models.AccountStatus) error {
	res := r.db.WithContext(ctx).Model(&models.LedgerAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ledgerRepository) LockAccount(ctx context.Context, userID uint64, asset string) (*models.LedgerAccount, error) {
	var acct models.LedgerAccount
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND asset = ?", userID, asset).
		First(&acct).Error
	if err != nil {
		return nil, translate(err)
	}
	return &acct, nil
}

// Credit adds amount to a locked account. Disabled accounts still receive credits.
func (r *ledgerRepository) Credit(ctx context.Context, acct *models.LedgerAccount, amount decimal.Decimal, ref EntryRef) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	res := r.db.WithContext(ctx).Model(&models.LedgerAccount{}).
		Where("id = ?", acct.ID).
		Updates(map[string]interface{}{
			"balance":    acct.Balance.Add(amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("credit account %d: %w", acct.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, ErrNotFound
	}
	return r.journal(ctx, acct, amount, ref)
}

// Debit subtracts amount from a locked account. The balance guard in the
// WHERE clause backs up the in-memory check.
func (r *ledgerRepository) Debit(ctx context.Context, acct *models.LedgerAccount, amount decimal.Decimal, ref EntryRef) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !acct.CanDebit() {
		return nil, ErrAccountDisabled
	}
	if acct.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	res := r.db.WithContext(ctx).Model(&models.LedgerAccount{}).
		Where("id = ? AND balance >= ?", acct.ID, amount).
		Updates(map[string]interface{}{
			"balance":    acct.Balance.Sub(amount),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("debit account %d: %w", acct.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, ErrInsufficientFunds
	}
	return r.journal(ctx, acct, amount.Neg(), ref)
}

func (r *ledgerRepository) journal(ctx context.Context, acct *models.LedgerAccount, delta decimal.Decimal, ref EntryRef) (*models.LedgerEntry, error) {
	acct.Balance = acct.Balance.Add(delta)
	entry := &models.LedgerEntry{
		AccountID:    acct.ID,
		UserID:       acct.UserID,
		Delta:        delta,
		BalanceAfter: acct.Balance,
		Reason:       ref.Reason,
		RefType:      ref.RefType,
		RefID:        ref.RefID,
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("write ledger entry: %w", err)
	}
	return entry, nil
}

func (r *ledgerRepository) ListEntries(ctx context.Context, userID uint64, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	q := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) EntriesByRef(ctx context.Context, refType, refID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("ref_type = ? AND ref_id = ?", refType, refID).
		Order("id").
		Find(&entries).Error
	return entries, err
}

func (r *ledgerRepository) GetCredential(ctx context.Context, userID uint64) (*models.FundCredential, error) {
	var cred models.FundCredential
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cred).Error; err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

func (r *ledgerRepository) SaveCredential(ctx context.Context, cred *models.FundCredential) error {
	cred.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Save(cred).Error
}

func (r *ledgerRepository) Audit(ctx context.Context) ([]AccountDrift, error) {
	var drifts []AccountDrift
	var accounts []models.LedgerAccount
	err := r.db.WithContext(ctx).Order("id").FindInBatches(&accounts, 500, func(tx *gorm.DB, _ int) error {
		for _, acct := range accounts {
			var deltas []decimal.Decimal
			if err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
				Where("account_id = ?", acct.ID).
				Pluck("delta", &deltas).Error; err != nil {
				return err
			}
			sum := decimal.Zero
			for _, d := range deltas {
				sum = sum.Add(d)
			}
			if !sum.Equal(acct.Balance) {
				drifts = append(drifts, AccountDrift{Account: acct, JournalSum: sum})
			}
		}
		return nil
	}).Error
	return drifts, err
}

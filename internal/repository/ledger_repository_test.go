package repository_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/testutil"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLedgerCreditDebit(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	ledger := repository.NewLedgerRepository(database)

	_, err := ledger.CreateAccount(ctx, 7, models.AssetUSDT)
	require.NoError(t, err)

	err = database.Transaction(func(tx *gorm.DB) error {
		l := ledger.WithTx(tx)
		acct, err := l.LockAccount(ctx, 7, models.AssetUSDT)
		if err != nil {
			return err
		}
		if _, err := l.Credit(ctx, acct, dec("50"), repository.EntryRef{Reason: models.EntryReasonDeposit, RefType: "deposit", RefID: "tx1"}); err != nil {
			return err
		}
		entry, err := l.Debit(ctx, acct, dec("10.5"), repository.EntryRef{Reason: models.EntryReasonWagerStake, RefType: "wager", RefID: "1"})
		if err != nil {
			return err
		}
		assert.True(t, entry.Delta.Equal(dec("-10.5")))
		assert.True(t, entry.BalanceAfter.Equal(dec("39.5")))
		return nil
	})
	require.NoError(t, err)

	acct, err := ledger.GetAccount(ctx, 7, models.AssetUSDT)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("39.5")), "balance %s", acct.Balance)

	entries, err := ledger.ListEntries(ctx, 7, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Delta)
	}
	assert.True(t, sum.Equal(acct.Balance))
}

func TestLedgerDebitGuards(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	ledger := repository.NewLedgerRepository(database)

	acct, err := ledger.CreateAccount(ctx, 1, models.AssetUSDT)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, acct, dec("5"), repository.EntryRef{Reason: models.EntryReasonDeposit})
	require.NoError(t, err)

	tests := []struct {
		name   string
		amount string
		status models.AccountStatus
		want   error
	}{
		{"overdraw", "5.000001", models.AccountStatusActive, repository.ErrInsufficientFunds},
		{"zero", "0", models.AccountStatusActive, repository.ErrInvalidAmount},
		{"negative", "-1", models.AccountStatusActive, repository.ErrInvalidAmount},
		{"disabled", "1", models.AccountStatusDisabled, repository.ErrAccountDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, ledger.SetStatus(ctx, 1, tt.status))
			locked, err := ledger.LockAccount(ctx, 1, models.AssetUSDT)
			require.NoError(t, err)

			_, err = ledger.Debit(ctx, locked, dec(tt.amount), repository.EntryRef{Reason: models.EntryReasonWithdrawal})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	got, err := ledger.GetAccount(ctx, 1, models.AssetUSDT)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(dec("5")), "failed debits must not move the balance")
}

func TestLedgerDebitStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	ledger := repository.NewLedgerRepository(database)

	acct, err := ledger.CreateAccount(ctx, 2, models.AssetUSDT)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, acct, dec("10"), repository.EntryRef{Reason: models.EntryReasonDeposit})
	require.NoError(t, err)

	// balance drained behind the snapshot's back
	stale := *acct
	_, err = ledger.Debit(ctx, acct, dec("10"), repository.EntryRef{Reason: models.EntryReasonWithdrawal})
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, &stale, dec("10"), repository.EntryRef{Reason: models.EntryReasonWithdrawal})
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)
}

func TestLedgerAccountUniquePerAsset(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewLedgerRepository(testutil.NewDB(t))

	_, err := ledger.CreateAccount(ctx, 3, models.AssetUSDT)
	require.NoError(t, err)
	_, err = ledger.CreateAccount(ctx, 3, models.AssetTRX)
	require.NoError(t, err)
	_, err = ledger.CreateAccount(ctx, 3, models.AssetUSDT)
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	_, err = ledger.LockAccount(ctx, 4, models.AssetUSDT)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerAuditFindsDrift(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewDB(t)
	ledger := repository.NewLedgerRepository(database)

	for _, uid := range []uint64{1, 2} {
		_, err := ledger.CreateAccount(ctx, uid, models.AssetUSDT)
		require.NoError(t, err)
		require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
			l := ledger.WithTx(tx)
			acct, err := l.LockAccount(ctx, uid, models.AssetUSDT)
			if err != nil {
				return err
			}
			_, err = l.Credit(ctx, acct, dec("25"), repository.EntryRef{Reason: models.EntryReasonDeposit, RefType: "deposit", RefID: "a"})
			return err
		}))
	}

	drifts, err := ledger.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	// a balance edited outside the ledger
	require.NoError(t, database.Model(&models.LedgerAccount{}).
		Where("user_id = ?", 2).Update("balance", dec("30")).Error)

	drifts, err = ledger.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, uint64(2), drifts[0].Account.UserID)
	assert.True(t, drifts[0].JournalSum.Equal(dec("25")))
}

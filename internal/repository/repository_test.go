package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
	"settlement-backend/internal/testutil"
)

func TestDepositDuplicateTxHash(t *testing.T) {
	ctx := context.Background()
	deposits := repository.NewDepositRepository(testutil.NewDB(t))

	d := &models.Deposit{TxHash: "abc", UserID: 1, Address: "T1", Chain: models.ChainTron, Asset: models.AssetUSDT, Amount: dec("1"), Status: models.DepositStatusCredited}
	require.NoError(t, deposits.Create(ctx, d))

	again := *d
	again.ID = 0
	assert.ErrorIs(t, deposits.Create(ctx, &again), repository.ErrDuplicate)

	ok, err := deposits.ExistsTxHash(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDepositWatermarkRoundTrip(t *testing.T) {
	ctx := context.Background()
	deposits := repository.NewDepositRepository(testutil.NewDB(t))

	wm, err := deposits.GetWatermark(ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Zero(t, wm.LastTimestamp)

	wm.LastTimestamp = 1_700_000_000_000
	wm.LastBlock = 42
	require.NoError(t, deposits.SaveWatermark(ctx, wm))
	wm.LastBlock = 43
	require.NoError(t, deposits.SaveWatermark(ctx, wm))

	got, err := deposits.GetWatermark(ctx, models.AssetUSDT)
	require.NoError(t, err)
	assert.Equal(t, int64(43), got.LastBlock)
	assert.Equal(t, int64(1_700_000_000_000), got.LastTimestamp)
}

func TestWalletMaxIndex(t *testing.T) {
	ctx := context.Background()
	wallets := repository.NewWalletRepository(testutil.NewDB(t))

	_, ok, err := wallets.MaxIndex(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, wallets.Create(ctx, &models.UserWallet{UserID: 1, DerivationIndex: 1000, EVMAddress: "0xa", TronAddress: "Ta"}))
	require.NoError(t, wallets.Create(ctx, &models.UserWallet{UserID: 2, DerivationIndex: 1001, EVMAddress: "0xb", TronAddress: "Tb"}))

	max, ok, err := wallets.MaxIndex(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(1001), max)

	err = wallets.Create(ctx, &models.UserWallet{UserID: 3, DerivationIndex: 1001, EVMAddress: "0xc", TronAddress: "Tc"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	byIndex, err := wallets.GetByIndex(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), byIndex.UserID)
	_, err = wallets.GetByIndex(ctx, 7)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	page, err := wallets.ListAfterUserID(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(2), page[0].UserID)
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()
	state := repository.NewStateRepository(testutil.NewDB(t))

	v, err := state.GetUint(ctx, repository.StateKeySweepCursor)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, state.SetUint(ctx, repository.StateKeySweepCursor, 17))
	require.NoError(t, state.SetUint(ctx, repository.StateKeySweepCursor, 18))
	v, err = state.GetUint(ctx, repository.StateKeySweepCursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(18), v)

	require.NoError(t, state.Lock(ctx, repository.StateKeyWalletAllocation))
	require.NoError(t, state.Lock(ctx, repository.StateKeyWalletAllocation))
}

func TestWagerTransitionGuard(t *testing.T) {
	ctx := context.Background()
	wagers := repository.NewWagerRepository(testutil.NewDB(t))

	w := &models.Wager{PublicID: "w-1", UserID: 1, Mode: models.GameModeClassic, Choice: models.ChoiceBig, Amount: dec("10"), Status: models.WagerStatusPending}
	require.NoError(t, wagers.Create(ctx, w))

	err := wagers.Transition(ctx, w.ID, []models.WagerStatus{models.WagerStatusPending}, map[string]interface{}{"status": models.WagerStatusLost})
	require.NoError(t, err)

	err = wagers.Transition(ctx, w.ID, []models.WagerStatus{models.WagerStatusPending, models.WagerStatusPendingOnchainFailure}, map[string]interface{}{"status": models.WagerStatusWon})
	assert.ErrorIs(t, err, repository.ErrStaleState)

	got, err := wagers.GetByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WagerStatusLost, got.Status)
}

func TestRetryQueueDue(t *testing.T) {
	ctx := context.Background()
	collections := repository.NewCollectionRepository(testutil.NewDB(t))
	now := time.Now()

	due := &models.RetryTask{UserID: 1, Status: models.RetryTaskStatusPending, MaxRetries: 5, NextRetryAt: now.Add(-time.Minute)}
	later := &models.RetryTask{UserID: 2, Status: models.RetryTaskStatusPending, MaxRetries: 5, NextRetryAt: now.Add(time.Hour)}
	dead := &models.RetryTask{UserID: 3, Status: models.RetryTaskStatusAbandoned, MaxRetries: 5, NextRetryAt: now.Add(-time.Hour)}
	for _, task := range []*models.RetryTask{due, later, dead} {
		require.NoError(t, collections.SaveRetryTask(ctx, task))
	}

	tasks, err := collections.DueRetryTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, uint64(1), tasks[0].UserID)

	require.NoError(t, collections.DeleteRetryTask(ctx, 1))
	_, err = collections.GetRetryTask(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTrailingResourceAverage(t *testing.T) {
	ctx := context.Background()
	collections := repository.NewCollectionRepository(testutil.NewDB(t))

	_, ok, err := collections.TrailingResourceAverage(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, used := range []int64{30000, 60000, 0} {
		status := models.CollectionStatusCompleted
		if used == 0 {
			status = models.CollectionStatusFailed
		}
		require.NoError(t, collections.CreateRecord(ctx, &models.CollectionRecord{UserID: 1, Address: "T", Amount: dec("1"), Status: status, ResourceUsed: used}))
	}
	avg, ok, err := collections.TrailingResourceAverage(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(45000), avg)
}
